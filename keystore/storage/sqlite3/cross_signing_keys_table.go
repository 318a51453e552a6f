// Copyright 2023 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/keystore/storage/tables"
	"github.com/matrix-org/bracken/keystore/types"
)

var crossSigningKeysSchema = `
CREATE TABLE IF NOT EXISTS keystore_cross_signing_keys (
    user_id TEXT NOT NULL,
	key_type TEXT NOT NULL,
	key_data TEXT NOT NULL,
	-- Clobber based on tuple of user/key type, a user has at most one
	-- key of each purpose.
	UNIQUE (user_id, key_type)
);
`

const selectCrossSigningKeysForUserSQL = "" +
	"SELECT key_type, key_data FROM keystore_cross_signing_keys" +
	" WHERE user_id = $1"

const upsertCrossSigningKeysForUserSQL = "" +
	"INSERT INTO keystore_cross_signing_keys (user_id, key_type, key_data)" +
	" VALUES($1, $2, $3)" +
	" ON CONFLICT (user_id, key_type)" +
	" DO UPDATE SET key_data = $3"

const deleteCrossSigningKeysForUserSQL = "" +
	"DELETE FROM keystore_cross_signing_keys WHERE user_id = $1"

type crossSigningKeysStatements struct {
	db                                *sql.DB
	selectCrossSigningKeysForUserStmt *sql.Stmt
	upsertCrossSigningKeysForUserStmt *sql.Stmt
	deleteCrossSigningKeysForUserStmt *sql.Stmt
}

func NewSqliteCrossSigningKeysTable(db *sql.DB) (tables.CrossSigningKeys, error) {
	s := &crossSigningKeysStatements{
		db: db,
	}
	_, err := db.Exec(crossSigningKeysSchema)
	if err != nil {
		return nil, err
	}
	if s.selectCrossSigningKeysForUserStmt, err = db.Prepare(selectCrossSigningKeysForUserSQL); err != nil {
		return nil, err
	}
	if s.upsertCrossSigningKeysForUserStmt, err = db.Prepare(upsertCrossSigningKeysForUserSQL); err != nil {
		return nil, err
	}
	if s.deleteCrossSigningKeysForUserStmt, err = db.Prepare(deleteCrossSigningKeysForUserSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *crossSigningKeysStatements) SelectCrossSigningKeysForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) (r types.CrossSigningKeyMap, err error) {
	rows, err := sqlutil.TxStmtContext(ctx, txn, s.selectCrossSigningKeysForUserStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	r = types.CrossSigningKeyMap{}
	for rows.Next() {
		var keyType types.CrossSigningKeyPurpose
		var keyData canonical.Base64Bytes
		if err := rows.Scan(&keyType, &keyData); err != nil {
			return nil, err
		}
		r[keyType] = keyData
	}
	return r, rows.Err()
}

func (s *crossSigningKeysStatements) UpsertCrossSigningKeysForUser(
	ctx context.Context, txn *sql.Tx, userID string, keyType types.CrossSigningKeyPurpose, keyData canonical.Base64Bytes,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.upsertCrossSigningKeysForUserStmt).ExecContext(ctx, userID, keyType, keyData)
	return err
}

func (s *crossSigningKeysStatements) DeleteCrossSigningKeysForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteCrossSigningKeysForUserStmt).ExecContext(ctx, userID)
	return err
}
