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

package cloudsqlconn_test

// [START cloud_sql_mysql_databasesql_connect_connector]
import (
	"database/sql"
	"fmt"

	"cloud.google.com/go/cloudsqlconn/mysql/mysql"
)

// connectMySQLDatabaseSQL establishes a connection to your database using the
// Go standard library's database/sql package.
//
// The function takes an instance connection name, a username, a password, and
// a database name. Usage looks like this:
//
//	db, cleanup, err := connectMySQLDatabaseSQL(
//	  "my-project:us-central1:my-instance",
//	  "myuser",
//	  "secretpassword",
//	  "mydb",
//	)
//
// In addition to a *sql.DB type, the function returns a cleanup function that
// should be called when you're done with the database connection.
func connectMySQLDatabaseSQL(
	instConnName, user, pass, dbname string,
) (*sql.DB, func() error, error) {
	// First, register the driver. Note, the driver's name is arbitrary and
	// must only match what you use below in the DSN's "net" and in sql.Open.
	// Also, mysql.RegisterDriver accepts options to configure credentials,
	// timeouts, etc.
	//
	// For details, see:
	// https://pkg.go.dev/cloud.google.com/go/cloudsqlconn#Option
	//
	// The cleanup function will stop the dialer's background refresh
	// goroutines. Call it when you're done with your database connection to
	// avoid a goroutine leak.
	cleanup, err := mysql.RegisterDriver("cloudsql-mysql")
	if err != nil {
		return nil, cleanup, err
	}

	db, err := sql.Open(
		"cloudsql-mysql",
		fmt.Sprintf(
			// parseTime is enabled so DATETIME columns scan into time.Time.
			"%s:%s@cloudsql-mysql(%s)/%s?parseTime=true",
			user, pass, instConnName, dbname,
		),
	)
	return db, cleanup, err
}

// [END cloud_sql_mysql_databasesql_connect_connector]
