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
	"github.com/matrix-org/bracken/keygate/storage/tables"
)

var inviteMarksSchema = `
-- The earliest time each (room, inviter) pair became relevant.
CREATE TABLE IF NOT EXISTS keygate_invite_marks (
    room_id TEXT NOT NULL,
	inviter_user_id TEXT NOT NULL,
	invite_ts BIGINT NOT NULL,
	UNIQUE (room_id, inviter_user_id)
);
`

const upsertInviteMarkSQL = "" +
	"INSERT INTO keygate_invite_marks (room_id, inviter_user_id, invite_ts)" +
	" VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id, inviter_user_id)" +
	" DO UPDATE SET invite_ts = MIN(invite_ts, $3)"

const selectInviteMarkSQL = "" +
	"SELECT invite_ts FROM keygate_invite_marks" +
	" WHERE room_id = $1 AND inviter_user_id = $2"

const deleteInviteMarksBeforeSQL = "" +
	"DELETE FROM keygate_invite_marks WHERE invite_ts < $1"

type inviteMarksStatements struct {
	db                          *sql.DB
	upsertInviteMarkStmt        *sql.Stmt
	selectInviteMarkStmt        *sql.Stmt
	deleteInviteMarksBeforeStmt *sql.Stmt
}

func NewSqliteInviteMarksTable(db *sql.DB) (tables.InviteMarks, error) {
	s := &inviteMarksStatements{
		db: db,
	}
	_, err := db.Exec(inviteMarksSchema)
	if err != nil {
		return nil, err
	}
	if s.upsertInviteMarkStmt, err = db.Prepare(upsertInviteMarkSQL); err != nil {
		return nil, err
	}
	if s.selectInviteMarkStmt, err = db.Prepare(selectInviteMarkSQL); err != nil {
		return nil, err
	}
	if s.deleteInviteMarksBeforeStmt, err = db.Prepare(deleteInviteMarksBeforeSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *inviteMarksStatements) UpsertInviteMark(ctx context.Context, txn *sql.Tx, roomID, inviterUserID string, inviteTS int64) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.upsertInviteMarkStmt).ExecContext(ctx, roomID, inviterUserID, inviteTS)
	return err
}

func (s *inviteMarksStatements) SelectInviteMark(ctx context.Context, txn *sql.Tx, roomID, inviterUserID string) (int64, bool, error) {
	var inviteTS int64
	err := sqlutil.TxStmtContext(ctx, txn, s.selectInviteMarkStmt).QueryRowContext(ctx, roomID, inviterUserID).Scan(&inviteTS)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return inviteTS, true, nil
}

func (s *inviteMarksStatements) DeleteInviteMarksBefore(ctx context.Context, txn *sql.Tx, beforeTS int64) (int64, error) {
	result, err := sqlutil.TxStmtContext(ctx, txn, s.deleteInviteMarksBeforeStmt).ExecContext(ctx, beforeTS)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
