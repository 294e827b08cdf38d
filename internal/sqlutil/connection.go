// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"github.com/element-hq/syncrooms/setup/config"
	"github.com/sirupsen/logrus"

	// Both sqlite implementations register under their own driver names, so
	// the config can pick either at runtime.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	postgresDriverName     = "postgres"
	sqliteCGODriverName    = "sqlite3"
	sqlitePureGoDriverName = "sqlite"
)

var regex = regexp.MustCompile(`^(postgres(?:ql)?://[^:@/]*):[^@]*@`)

// Open opens the database described by dbProperties. The connection string
// decides between postgres and sqlite, and SQLiteDriver decides which sqlite
// implementation is used.
func Open(dbProperties *config.DatabaseOptions) (*sql.DB, error) {
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = sqliteDriverName(dbProperties.SQLiteDriver)
		dsn = string(dbProperties.ConnectionString)
	case dbProperties.ConnectionString.IsPostgres():
		driverName = postgresDriverName
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}

	logger := logrus.WithFields(logrus.Fields{
		"max_open_conns":    dbProperties.MaxOpenConns(),
		"max_idle_conns":    dbProperties.MaxIdleConns(),
		"conn_max_lifetime": dbProperties.ConnMaxLifetime(),
		"data_source_name":  regex.ReplaceAllString(dsn, "$1:*****@"),
		"driver":            driverName,
	})
	logger.Debug("Setting DB connection limits")

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName != sqliteCGODriverName && driverName != sqlitePureGoDriverName {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	return db, nil
}

func sqliteDriverName(choice string) string {
	if choice == config.SQLiteDriverPureGo {
		return sqlitePureGoDriverName
	}
	return sqliteCGODriverName
}

type Connections struct {
	ctx           context.Context
	globalConfig  config.DatabaseOptions
	existingConns map[string]*connection
	mu            sync.Mutex
}

type connection struct {
	db     *sql.DB
	writer Writer
}

// NewConnectionManager shares database connections between components that
// use the same connection string. Connections are closed when ctx is done.
func NewConnectionManager(ctx context.Context, globalConfig config.DatabaseOptions) *Connections {
	c := &Connections{
		ctx:           ctx,
		globalConfig:  globalConfig,
		existingConns: map[string]*connection{},
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			c.closeAll()
		}()
	}
	return c
}

func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	// If no connectionString was provided, try the global one
	if dbProperties.ConnectionString == "" {
		dbProperties = &c.globalConfig
		// If we still don't have a connection string, that's a problem
		if dbProperties.ConnectionString == "" {
			return nil, nil, fmt.Errorf("no database connections configured")
		}
	}

	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.existingConns[string(dbProperties.ConnectionString)]
	if ok {
		// We found an existing connection
		return existing.db, existing.writer, nil
	}

	// Open a new database connection using the supplied config.
	db, err := Open(dbProperties)
	if err != nil {
		return nil, nil, err
	}
	c.existingConns[string(dbProperties.ConnectionString)] = &connection{db: db, writer: writer}
	return db, writer, nil
}

func (c *Connections) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for connStr, conn := range c.existingConns {
		if err := conn.db.Close(); err != nil {
			logrus.WithError(err).Warnf("Failed to close database connection")
		}
		delete(c.existingConns, connStr)
	}
}
