// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage/tables"
)

const upsertAccountDataSQL = `
	INSERT INTO syncapi_account_data (user_id, type, content)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id, type)
	DO UPDATE SET content = $3
`

const selectAccountDataSQL = `
	SELECT content FROM syncapi_account_data
	WHERE user_id = $1 AND type = $2
`

type accountDataStatements struct {
	upsertAccountDataStmt *sql.Stmt
	selectAccountDataStmt *sql.Stmt
}

func NewPostgresAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	s := &accountDataStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertAccountDataStmt, upsertAccountDataSQL},
		{&s.selectAccountDataStmt, selectAccountDataSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(
	ctx context.Context, txn *sql.Tx, userID, dataType string, content []byte,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertAccountDataStmt)
	_, err := stmt.ExecContext(ctx, userID, dataType, string(content))
	return err
}

func (s *accountDataStatements) SelectAccountData(
	ctx context.Context, txn *sql.Tx, userID, dataType string,
) ([]byte, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAccountDataStmt)
	var content string
	if err := stmt.QueryRowContext(ctx, userID, dataType).Scan(&content); err != nil {
		return nil, err
	}
	return []byte(content), nil
}
