// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryVariadicOffset(t *testing.T) {
	assert.Equal(t, "($1)", QueryVariadic(1))
	assert.Equal(t, "($1, $2, $3)", QueryVariadic(3))
	assert.Equal(t, "($3, $4)", QueryVariadicOffset(2, 2))
	assert.Equal(t, "()", QueryVariadic(0))
}

func TestWithTransaction_Commits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO foo").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = WithTransaction(db, func(txn *sql.Tx) error {
		_, execErr := txn.Exec("INSERT INTO foo VALUES (1)")
		return execErr
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err = WithTransaction(db, func(txn *sql.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndTransactionWithCheck_KeepsFirstError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	txn, err := db.Begin()
	require.NoError(t, err)

	succeeded := true
	var txnErr error
	EndTransactionWithCheck(txn, &succeeded, &txnErr)
	require.Error(t, txnErr)
	assert.Contains(t, txnErr.Error(), "database is locked")
}

func TestRunLimitedVariablesQuery_SplitsBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectQuery(`SELECT room_id FROM t WHERE room_id IN \(\$1, \$2\)`).
		WithArgs("!a", "!b").
		WillReturnRows(sqlmock.NewRows([]string{"room_id"}).AddRow("!a").AddRow("!b"))
	mock.ExpectQuery(`SELECT room_id FROM t WHERE room_id IN \(\$1\)`).
		WithArgs("!c").
		WillReturnRows(sqlmock.NewRows([]string{"room_id"}).AddRow("!c"))

	var got []string
	err = RunLimitedVariablesQuery(
		context.Background(), "SELECT room_id FROM t WHERE room_id IN ($1)", db,
		[]interface{}{"!a", "!b", "!c"}, 2,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var roomID string
				if scanErr := rows.Scan(&roomID); scanErr != nil {
					return scanErr
				}
				got = append(got, roomID)
			}
			return rows.Err()
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"!a", "!b", "!c"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExclusiveWriter_RunsTasksSerially(t *testing.T) {
	w := NewExclusiveWriter()
	results := make(chan int, 10)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(i int) {
			_ = w.Do(nil, nil, func(txn *sql.Tx) error {
				results <- i
				return nil
			})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	close(results)
	seen := map[int]bool{}
	for i := range results {
		seen[i] = true
	}
	assert.Len(t, seen, 10)
}
