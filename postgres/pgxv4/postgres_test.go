// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgxv4_test

import (
	"database/sql"
	"testing"

	"cloud.google.com/go/cloudsqlconn"
	"cloud.google.com/go/cloudsqlconn/postgres/pgxv4"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{}, nil
}

func TestRegisterDriver(t *testing.T) {
	cleanup, err := pgxv4.RegisterDriver(
		"cloudsql-postgres-v4-register",
		cloudsqlconn.WithTokenSource(stubTokenSource{}),
		cloudsqlconn.WithOptOutOfBuiltInTelemetry(),
	)
	if err != nil {
		t.Fatalf("RegisterDriver want err = nil, got = %v", err)
	}
	defer cleanup()

	// sql.Open does not connect, so this verifies only the registration.
	db, err := sql.Open(
		"cloudsql-postgres-v4-register",
		"host=my-project:us-central1:my-instance user=u password=p dbname=db sslmode=disable",
	)
	if err != nil {
		t.Fatalf("sql.Open want err = nil, got = %v", err)
	}
	defer db.Close()
}

func TestRegisterDriverBadDSN(t *testing.T) {
	cleanup, err := pgxv4.RegisterDriver(
		"cloudsql-postgres-v4-bad-dsn",
		cloudsqlconn.WithTokenSource(stubTokenSource{}),
		cloudsqlconn.WithOptOutOfBuiltInTelemetry(),
	)
	if err != nil {
		t.Fatalf("RegisterDriver want err = nil, got = %v", err)
	}
	defer cleanup()

	db, err := sql.Open("cloudsql-postgres-v4-bad-dsn", "notadsn")
	if err != nil {
		t.Fatalf("sql.Open want err = nil, got = %v", err)
	}
	defer db.Close()

	// Ping forces a connection and must surface the DSN parse error
	// before any dialing happens.
	if err := db.Ping(); err == nil {
		t.Fatal("db.Ping should error with an invalid DSN")
	}
}

func TestRegisterDriverErrors(t *testing.T) {
	cleanup, err := pgxv4.RegisterDriver(
		"cloudsql-postgres-v4-bad-config",
		cloudsqlconn.WithCredentialsFile("/path/does/not/exist"),
	)
	if err == nil {
		t.Fatal("RegisterDriver should error with an invalid credentials file")
	}
	if cleanup == nil {
		t.Fatal("RegisterDriver should return a non-nil cleanup function on error")
	}
	if cErr := cleanup(); cErr != nil {
		t.Fatalf("cleanup should be a no-op on error, got = %v", cErr)
	}
}
