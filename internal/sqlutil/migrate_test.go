// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_SkipsExecutedMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS db_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM db_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("first"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO db_migrations").
		WithArgs("second", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var ran []string
	m := NewMigrator(db)
	m.AddMigrations(
		Migration{Version: "first", Up: func(ctx context.Context, txn *sql.Tx) error {
			ran = append(ran, "first")
			return nil
		}},
		Migration{Version: "second", Up: func(ctx context.Context, txn *sql.Tx) error {
			ran = append(ran, "second")
			return nil
		}},
		// duplicate versions are ignored
		Migration{Version: "second", Up: func(ctx context.Context, txn *sql.Tx) error {
			ran = append(ran, "second again")
			return nil
		}},
	)
	require.NoError(t, m.Up(context.Background()))
	assert.Equal(t, []string{"second"}, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}
