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

// Package mysql provides a Cloud SQL MySQL driver that works with the
// database/sql package.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/go-sql-driver/mysql"
)

// RegisterDriver registers a MySQL driver that uses the cloudsqlconn.Dialer
// configured with the provided options. The choice of name is entirely up to
// the caller and may be used to distinguish between multiple registrations of
// differently configured Dialers. The name is also used as the "net" of the
// DSN passed to sql.Open. The driver uses go-sql-driver/mysql internally.
// RegisterDriver returns a cleanup function that should be called once the
// database connection is no longer needed.
func RegisterDriver(name string, opts ...cloudsqlconn.Option) (func() error, error) {
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return func() error { return nil }, err
	}
	mysql.RegisterDialContext(name,
		func(ctx context.Context, addr string) (net.Conn, error) {
			return d.Dial(ctx, addr)
		})
	sql.Register(name, &csqlDriver{
		d: d,
	})
	return func() error { return d.Close() }, nil
}

type csqlDriver struct {
	d *cloudsqlconn.Dialer
}

// Open accepts a DSN using the go-sql-driver/mysql format with the registered
// driver name as the "net" and the instance connection name as the address.
// For example, with a driver registered as "cloudsql-mysql":
//
// "myuser:mypass@cloudsql-mysql(my-project:us-central1:my-db-instance)/mydb"
func (c *csqlDriver) Open(name string) (driver.Conn, error) {
	return mysql.MySQLDriver{}.Open(name)
}
