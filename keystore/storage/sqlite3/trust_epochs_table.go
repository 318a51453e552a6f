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

	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/keystore/storage/tables"
)

var trustEpochsSchema = `
-- Bumped whenever a user's cross-signing keys are replaced, so that
-- cached trust results for the old hierarchy can never be served again.
CREATE TABLE IF NOT EXISTS keystore_trust_epochs (
    user_id TEXT NOT NULL PRIMARY KEY,
	epoch BIGINT NOT NULL
);
`

const selectTrustEpochSQL = "" +
	"SELECT epoch FROM keystore_trust_epochs WHERE user_id = $1"

const upsertTrustEpochSQL = "" +
	"INSERT INTO keystore_trust_epochs (user_id, epoch) VALUES ($1, $2)" +
	" ON CONFLICT (user_id) DO UPDATE SET epoch = $2"

type trustEpochsStatements struct {
	db                   *sql.DB
	selectTrustEpochStmt *sql.Stmt
	upsertTrustEpochStmt *sql.Stmt
}

func NewSqliteTrustEpochsTable(db *sql.DB) (tables.TrustEpochs, error) {
	s := &trustEpochsStatements{
		db: db,
	}
	_, err := db.Exec(trustEpochsSchema)
	if err != nil {
		return nil, err
	}
	if s.selectTrustEpochStmt, err = db.Prepare(selectTrustEpochSQL); err != nil {
		return nil, err
	}
	if s.upsertTrustEpochStmt, err = db.Prepare(upsertTrustEpochSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *trustEpochsStatements) SelectTrustEpoch(
	ctx context.Context, txn *sql.Tx, userID string,
) (int64, error) {
	var epoch int64
	err := sqlutil.TxStmtContext(ctx, txn, s.selectTrustEpochStmt).QueryRowContext(ctx, userID).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return epoch, err
}

func (s *trustEpochsStatements) UpsertTrustEpoch(
	ctx context.Context, txn *sql.Tx, userID string, epoch int64,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.upsertTrustEpochStmt).ExecContext(ctx, userID, epoch)
	return err
}
