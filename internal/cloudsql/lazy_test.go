// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudsql

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn/internal/mock"
	telv2 "cloud.google.com/go/cloudsqlconn/internal/tel/v2"
)

func TestLazyRefreshCacheConnectionInfo(t *testing.T) {
	ctx := context.Background()
	cn := testConnName()
	inst := mock.NewFakeCSQLInstance(cn.Project(), cn.Region(), cn.Name())
	client, cleanup, err := mock.NewSQLAdminService(
		ctx,
		// Expect only one call to the API of each type.
		mock.InstanceGetSuccess(inst, 1),
		mock.CreateEphemeralSuccess(inst, 1),
	)
	if err != nil {
		t.Fatalf("%s", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	c := NewLazyRefreshCache(
		cn, nullLogger{}, client,
		RSAKey, 30*time.Second, nil, "dialer-id", false,
		"test-user-agent", telv2.NullMetricRecorder{},
	)

	ci, err := c.ConnectionInfo(ctx)
	if err != nil {
		t.Fatalf("failed to retrieve connect info: %v", err)
	}

	// The second call should return the cached connection info without
	// another API round-trip. If the cache makes another call, the mock
	// will fail the test during cleanup.
	got, err := c.ConnectionInfo(ctx)
	if err != nil {
		t.Fatalf("failed to retrieve cached connect info: %v", err)
	}
	if !got.Expiration.Equal(ci.Expiration) {
		t.Fatalf(
			"connection info changed, want = %v, got = %v",
			ci.Expiration, got.Expiration,
		)
	}
}

func TestLazyRefreshCacheForceRefresh(t *testing.T) {
	ctx := context.Background()
	cn := testConnName()
	inst := mock.NewFakeCSQLInstance(cn.Project(), cn.Region(), cn.Name())
	client, cleanup, err := mock.NewSQLAdminService(
		ctx,
		mock.InstanceGetSuccess(inst, 2),
		mock.CreateEphemeralSuccess(inst, 2),
	)
	if err != nil {
		t.Fatalf("%s", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	c := NewLazyRefreshCache(
		cn, nullLogger{}, client,
		RSAKey, 30*time.Second, nil, "dialer-id", false,
		"test-user-agent", telv2.NullMetricRecorder{},
	)

	if _, err := c.ConnectionInfo(ctx); err != nil {
		t.Fatalf("failed to retrieve connect info: %v", err)
	}

	c.ForceRefresh()

	if _, err := c.ConnectionInfo(ctx); err != nil {
		t.Fatalf("failed to refresh connect info: %v", err)
	}
}

func TestLazyRefreshCacheClose(t *testing.T) {
	c := &LazyRefreshCache{}
	if err := c.Close(); err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	// Close is a no-op and safe to call repeatedly.
	if err := c.Close(); err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
}
