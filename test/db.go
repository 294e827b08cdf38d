// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lib/pq"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

func Defaulting(value, defaultValue string) string {
	if value == "" {
		value = defaultValue
	}
	return value
}

var (
	userName = os.Getenv("POSTGRES_USER")
	password = os.Getenv("POSTGRES_PASSWORD")
	host     = os.Getenv("POSTGRES_HOST")
	dbName   = os.Getenv("POSTGRES_DB")
)

func postgresConnectionString(database string) string {
	connStr := fmt.Sprintf(
		"user=%s dbname=%s host=%s sslmode=disable",
		Defaulting(userName, "postgres"), database, Defaulting(host, "localhost"),
	)
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	return connStr
}

func createLocalDB(t *testing.T, database string) {
	t.Helper()
	db, err := sql.Open("postgres", postgresConnectionString(Defaulting(dbName, "postgres")))
	if err != nil {
		t.Fatalf("createLocalDB: failed to connect: %s", err)
	}
	defer db.Close() // nolint: errcheck
	_, err = db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(database))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("createLocalDB: failed to create %s: %s", database, err)
	}
}

func dropLocalDB(t *testing.T, database string) {
	db, err := sql.Open("postgres", postgresConnectionString(Defaulting(dbName, "postgres")))
	if err != nil {
		t.Logf("dropLocalDB: failed to connect: %s", err)
		return
	}
	defer db.Close() // nolint: errcheck
	if _, err = db.Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(database)); err != nil {
		t.Logf("dropLocalDB: failed to drop %s: %s", database, err)
	}
}

// PrepareDBConnectionString prepares a fresh database for the test and
// returns its connection string along with a function that cleans it up.
// The database name is derived from the test name, so parallel tests get
// their own database.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	t.Helper()
	if dbType == DBTypeSQLite {
		dbDir := t.TempDir()
		return fmt.Sprintf("file:%s", filepath.Join(dbDir, "syncrooms_test.db")), func() {}
	}

	hash := sha256.Sum256([]byte(t.Name()))
	database := "syncrooms_" + hex.EncodeToString(hash[:])[:16]
	createLocalDB(t, database)
	return postgresConnectionString(database), func() {
		dropLocalDB(t, database)
	}
}

// WithAllDatabases runs the test against sqlite, and against postgres when
// POSTGRES_HOST is set.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	dbs := map[string]DBType{
		"sqlite": DBTypeSQLite,
	}
	if host != "" {
		dbs["postgres"] = DBTypePostgres
	}
	for dbName, dbType := range dbs {
		dbt := dbType
		t.Run(dbName, func(tt *testing.T) {
			tt.Parallel()
			testFn(tt, dbt)
		})
	}
}
