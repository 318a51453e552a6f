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

var crossSigningSigsSchema = `
CREATE TABLE IF NOT EXISTS keystore_cross_signing_sigs (
    origin_user_id TEXT NOT NULL,
	origin_key_id TEXT NOT NULL,
	target_user_id TEXT NOT NULL,
	target_key_id TEXT NOT NULL,
	signature TEXT NOT NULL,
	UNIQUE (origin_user_id, origin_key_id, target_user_id, target_key_id)
);

CREATE INDEX IF NOT EXISTS keystore_cross_signing_sigs_idx ON keystore_cross_signing_sigs (target_user_id, target_key_id);
`

const selectCrossSigningSigsForTargetSQL = "" +
	"SELECT origin_user_id, origin_key_id, signature FROM keystore_cross_signing_sigs" +
	" WHERE target_user_id = $1 AND target_key_id = $2"

const selectCrossSigningSigsMadeBySQL = "" +
	"SELECT target_user_id, target_key_id, signature FROM keystore_cross_signing_sigs" +
	" WHERE origin_user_id = $1 AND origin_key_id = $2"

const upsertCrossSigningSigsForTargetSQL = "" +
	"INSERT INTO keystore_cross_signing_sigs (origin_user_id, origin_key_id, target_user_id, target_key_id, signature)" +
	" VALUES($1, $2, $3, $4, $5)" +
	" ON CONFLICT (origin_user_id, origin_key_id, target_user_id, target_key_id)" +
	" DO UPDATE SET signature = $5"

const deleteCrossSigningSigsForTargetSQL = "" +
	"DELETE FROM keystore_cross_signing_sigs" +
	" WHERE target_user_id = $1 AND target_key_id = $2"

const deleteCrossSigningSigsMadeBySQL = "" +
	"DELETE FROM keystore_cross_signing_sigs WHERE origin_user_id = $1"

type crossSigningSigsStatements struct {
	db                                  *sql.DB
	selectCrossSigningSigsForTargetStmt *sql.Stmt
	selectCrossSigningSigsMadeByStmt    *sql.Stmt
	upsertCrossSigningSigsForTargetStmt *sql.Stmt
	deleteCrossSigningSigsForTargetStmt *sql.Stmt
	deleteCrossSigningSigsMadeByStmt    *sql.Stmt
}

func NewSqliteCrossSigningSigsTable(db *sql.DB) (tables.CrossSigningSigs, error) {
	s := &crossSigningSigsStatements{
		db: db,
	}
	_, err := db.Exec(crossSigningSigsSchema)
	if err != nil {
		return nil, err
	}
	if s.selectCrossSigningSigsForTargetStmt, err = db.Prepare(selectCrossSigningSigsForTargetSQL); err != nil {
		return nil, err
	}
	if s.selectCrossSigningSigsMadeByStmt, err = db.Prepare(selectCrossSigningSigsMadeBySQL); err != nil {
		return nil, err
	}
	if s.upsertCrossSigningSigsForTargetStmt, err = db.Prepare(upsertCrossSigningSigsForTargetSQL); err != nil {
		return nil, err
	}
	if s.deleteCrossSigningSigsForTargetStmt, err = db.Prepare(deleteCrossSigningSigsForTargetSQL); err != nil {
		return nil, err
	}
	if s.deleteCrossSigningSigsMadeByStmt, err = db.Prepare(deleteCrossSigningSigsMadeBySQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *crossSigningSigsStatements) SelectCrossSigningSigsForTarget(
	ctx context.Context, txn *sql.Tx, targetUserID string, targetKeyID canonical.KeyID,
) (r types.CrossSigningSigMap, err error) {
	rows, err := sqlutil.TxStmtContext(ctx, txn, s.selectCrossSigningSigsForTargetStmt).QueryContext(ctx, targetUserID, targetKeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	r = types.CrossSigningSigMap{}
	for rows.Next() {
		var userID string
		var keyID canonical.KeyID
		var signature canonical.Base64Bytes
		if err := rows.Scan(&userID, &keyID, &signature); err != nil {
			return nil, err
		}
		if _, ok := r[userID]; !ok {
			r[userID] = map[canonical.KeyID]canonical.Base64Bytes{}
		}
		r[userID][keyID] = signature
	}
	return r, rows.Err()
}

func (s *crossSigningSigsStatements) SelectCrossSigningSigsMadeBy(
	ctx context.Context, txn *sql.Tx, originUserID string, originKeyID canonical.KeyID,
) ([]tables.SignatureEdge, error) {
	rows, err := sqlutil.TxStmtContext(ctx, txn, s.selectCrossSigningSigsMadeByStmt).QueryContext(ctx, originUserID, originKeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var edges []tables.SignatureEdge
	for rows.Next() {
		var edge tables.SignatureEdge
		if err := rows.Scan(&edge.TargetUserID, &edge.TargetKeyID, &edge.Signature); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (s *crossSigningSigsStatements) UpsertCrossSigningSigsForTarget(
	ctx context.Context, txn *sql.Tx,
	originUserID string, originKeyID canonical.KeyID,
	targetUserID string, targetKeyID canonical.KeyID,
	signature canonical.Base64Bytes,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.upsertCrossSigningSigsForTargetStmt).ExecContext(ctx, originUserID, originKeyID, targetUserID, targetKeyID, signature)
	return err
}

func (s *crossSigningSigsStatements) DeleteCrossSigningSigsForTarget(
	ctx context.Context, txn *sql.Tx, targetUserID string, targetKeyID canonical.KeyID,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteCrossSigningSigsForTargetStmt).ExecContext(ctx, targetUserID, targetKeyID)
	return err
}

func (s *crossSigningSigsStatements) DeleteCrossSigningSigsMadeBy(
	ctx context.Context, txn *sql.Tx, originUserID string,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteCrossSigningSigsMadeByStmt).ExecContext(ctx, originUserID)
	return err
}
