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
	"encoding/json"

	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/verifier/storage/tables"
)

var verificationFlowsSchema = `
-- Every in-progress or recently finished verification flow.
CREATE TABLE IF NOT EXISTS verifier_flows (
    other_user_id TEXT NOT NULL,
	flow_id TEXT NOT NULL,
	state TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	flow_json TEXT NOT NULL,
	UNIQUE (other_user_id, flow_id)
);
`

const upsertFlowSQL = "" +
	"INSERT INTO verifier_flows (other_user_id, flow_id, state, created_ts, flow_json)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (other_user_id, flow_id)" +
	" DO UPDATE SET state = $3, flow_json = $5"

const selectFlowSQL = "" +
	"SELECT state, created_ts, flow_json FROM verifier_flows" +
	" WHERE other_user_id = $1 AND flow_id = $2"

const selectActiveFlowsSQL = "" +
	"SELECT other_user_id, flow_id, state, created_ts, flow_json FROM verifier_flows" +
	" WHERE state != 'done' AND state != 'cancelled'"

const deleteFlowSQL = "" +
	"DELETE FROM verifier_flows WHERE other_user_id = $1 AND flow_id = $2"

const deleteFlowsBeforeSQL = "" +
	"DELETE FROM verifier_flows" +
	" WHERE created_ts < $1 AND (state = 'done' OR state = 'cancelled')"

type verificationFlowsStatements struct {
	db                    *sql.DB
	upsertFlowStmt        *sql.Stmt
	selectFlowStmt        *sql.Stmt
	selectActiveFlowsStmt *sql.Stmt
	deleteFlowStmt        *sql.Stmt
	deleteFlowsBeforeStmt *sql.Stmt
}

func NewSqliteVerificationFlowsTable(db *sql.DB) (tables.VerificationFlows, error) {
	s := &verificationFlowsStatements{
		db: db,
	}
	_, err := db.Exec(verificationFlowsSchema)
	if err != nil {
		return nil, err
	}
	if s.upsertFlowStmt, err = db.Prepare(upsertFlowSQL); err != nil {
		return nil, err
	}
	if s.selectFlowStmt, err = db.Prepare(selectFlowSQL); err != nil {
		return nil, err
	}
	if s.selectActiveFlowsStmt, err = db.Prepare(selectActiveFlowsSQL); err != nil {
		return nil, err
	}
	if s.deleteFlowStmt, err = db.Prepare(deleteFlowSQL); err != nil {
		return nil, err
	}
	if s.deleteFlowsBeforeStmt, err = db.Prepare(deleteFlowsBeforeSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *verificationFlowsStatements) UpsertFlow(
	ctx context.Context, txn *sql.Tx, row tables.FlowRow,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.upsertFlowStmt).ExecContext(
		ctx, row.OtherUserID, row.FlowID, row.State, row.CreatedTS, string(row.FlowJSON),
	)
	return err
}

func (s *verificationFlowsStatements) SelectFlow(
	ctx context.Context, txn *sql.Tx, otherUserID, flowID string,
) (*tables.FlowRow, error) {
	row := tables.FlowRow{
		OtherUserID: otherUserID,
		FlowID:      flowID,
	}
	var flowJSON string
	err := sqlutil.TxStmtContext(ctx, txn, s.selectFlowStmt).QueryRowContext(ctx, otherUserID, flowID).Scan(
		&row.State, &row.CreatedTS, &flowJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	row.FlowJSON = json.RawMessage(flowJSON)
	return &row, nil
}

func (s *verificationFlowsStatements) SelectActiveFlows(
	ctx context.Context, txn *sql.Tx,
) ([]tables.FlowRow, error) {
	rows, err := sqlutil.TxStmtContext(ctx, txn, s.selectActiveFlowsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var result []tables.FlowRow
	for rows.Next() {
		var row tables.FlowRow
		var flowJSON string
		if err := rows.Scan(&row.OtherUserID, &row.FlowID, &row.State, &row.CreatedTS, &flowJSON); err != nil {
			return nil, err
		}
		row.FlowJSON = json.RawMessage(flowJSON)
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *verificationFlowsStatements) DeleteFlow(
	ctx context.Context, txn *sql.Tx, otherUserID, flowID string,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteFlowStmt).ExecContext(ctx, otherUserID, flowID)
	return err
}

func (s *verificationFlowsStatements) DeleteFlowsBefore(
	ctx context.Context, txn *sql.Tx, beforeTS int64,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteFlowsBeforeStmt).ExecContext(ctx, beforeTS)
	return err
}
