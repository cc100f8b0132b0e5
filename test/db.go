// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"os"
	"path/filepath"
	"testing"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

func (t DBType) String() string {
	switch t {
	case DBTypeSQLite:
		return "SQLite"
	case DBTypePostgres:
		return "Postgres"
	}
	return "unknown"
}

// postgresEnv names the environment variable holding a connection string for
// a disposable Postgres database. Postgres tests are skipped without it.
const postgresEnv = "ROOMFED_TEST_POSTGRES"

// PrepareDBConnectionString returns a connection string for a fresh database
// of the given type, along with a function that cleans it up.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	t.Helper()
	switch dbType {
	case DBTypeSQLite:
		dbfile := filepath.Join(t.TempDir(), "roomfed_test.db")
		return "file:" + dbfile, func() {
			if err := os.Remove(dbfile); err != nil && !os.IsNotExist(err) {
				t.Logf("failed to remove %s: %s", dbfile, err)
			}
		}
	case DBTypePostgres:
		connStr = os.Getenv(postgresEnv)
		if connStr == "" {
			t.Skipf("%s not set, skipping postgres test", postgresEnv)
		}
		return connStr, func() {}
	}
	t.Fatalf("unknown database type %d", dbType)
	return "", nil
}

// WithAllDatabases runs a test against every database type available.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	dbs := map[string]DBType{
		"postgres": DBTypePostgres,
		"sqlite":   DBTypeSQLite,
	}
	for dbName, dbType := range dbs {
		dbt := dbType
		t.Run(dbName, func(tt *testing.T) {
			tt.Parallel()
			testFn(tt, dbt)
		})
	}
}
