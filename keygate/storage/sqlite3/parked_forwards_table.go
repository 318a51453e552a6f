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

var parkedForwardsSchema = `
-- Unrequested key forwards waiting for a matching invite.
CREATE TABLE IF NOT EXISTS keygate_parked_forwards (
    room_id TEXT NOT NULL,
	sender_user_id TEXT NOT NULL,
	event_json TEXT NOT NULL,
	received_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS keygate_parked_forwards_bucket_idx
    ON keygate_parked_forwards (room_id, sender_user_id);
`

const insertParkedForwardSQL = "" +
	"INSERT INTO keygate_parked_forwards (room_id, sender_user_id, event_json, received_ts)" +
	" VALUES ($1, $2, $3, $4)"

const selectParkedForwardsSQL = "" +
	"SELECT event_json, received_ts FROM keygate_parked_forwards" +
	" WHERE room_id = $1 AND sender_user_id = $2" +
	" ORDER BY received_ts ASC"

const selectParkedBucketsSQL = "" +
	"SELECT DISTINCT room_id, sender_user_id FROM keygate_parked_forwards"

const deleteParkedForwardsSQL = "" +
	"DELETE FROM keygate_parked_forwards WHERE room_id = $1 AND sender_user_id = $2"

const deleteParkedForwardsBeforeSQL = "" +
	"DELETE FROM keygate_parked_forwards WHERE received_ts < $1"

type parkedForwardsStatements struct {
	db                             *sql.DB
	insertParkedForwardStmt        *sql.Stmt
	selectParkedForwardsStmt       *sql.Stmt
	selectParkedBucketsStmt        *sql.Stmt
	deleteParkedForwardsStmt       *sql.Stmt
	deleteParkedForwardsBeforeStmt *sql.Stmt
}

func NewSqliteParkedForwardsTable(db *sql.DB) (tables.ParkedForwards, error) {
	s := &parkedForwardsStatements{
		db: db,
	}
	_, err := db.Exec(parkedForwardsSchema)
	if err != nil {
		return nil, err
	}
	if s.insertParkedForwardStmt, err = db.Prepare(insertParkedForwardSQL); err != nil {
		return nil, err
	}
	if s.selectParkedForwardsStmt, err = db.Prepare(selectParkedForwardsSQL); err != nil {
		return nil, err
	}
	if s.selectParkedBucketsStmt, err = db.Prepare(selectParkedBucketsSQL); err != nil {
		return nil, err
	}
	if s.deleteParkedForwardsStmt, err = db.Prepare(deleteParkedForwardsSQL); err != nil {
		return nil, err
	}
	if s.deleteParkedForwardsBeforeStmt, err = db.Prepare(deleteParkedForwardsBeforeSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *parkedForwardsStatements) InsertParkedForward(ctx context.Context, txn *sql.Tx, row tables.ParkedForwardRow) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.insertParkedForwardStmt).ExecContext(
		ctx, row.RoomID, row.SenderUserID, string(row.EventJSON), row.ReceivedTS,
	)
	return err
}

func (s *parkedForwardsStatements) SelectParkedForwards(ctx context.Context, txn *sql.Tx, roomID, senderUserID string) ([]tables.ParkedForwardRow, error) {
	rows, err := sqlutil.TxStmtContext(ctx, txn, s.selectParkedForwardsStmt).QueryContext(ctx, roomID, senderUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var forwards []tables.ParkedForwardRow
	for rows.Next() {
		row := tables.ParkedForwardRow{
			RoomID:       roomID,
			SenderUserID: senderUserID,
		}
		var eventJSON string
		if err := rows.Scan(&eventJSON, &row.ReceivedTS); err != nil {
			return nil, err
		}
		row.EventJSON = []byte(eventJSON)
		forwards = append(forwards, row)
	}
	return forwards, rows.Err()
}

func (s *parkedForwardsStatements) SelectParkedBuckets(ctx context.Context, txn *sql.Tx) ([]tables.Bucket, error) {
	rows, err := sqlutil.TxStmtContext(ctx, txn, s.selectParkedBucketsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var buckets []tables.Bucket
	for rows.Next() {
		var bucket tables.Bucket
		if err := rows.Scan(&bucket.RoomID, &bucket.SenderUserID); err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	return buckets, rows.Err()
}

func (s *parkedForwardsStatements) DeleteParkedForwards(ctx context.Context, txn *sql.Tx, roomID, senderUserID string) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteParkedForwardsStmt).ExecContext(ctx, roomID, senderUserID)
	return err
}

func (s *parkedForwardsStatements) DeleteParkedForwardsBefore(ctx context.Context, txn *sql.Tx, beforeTS int64) (int64, error) {
	result, err := sqlutil.TxStmtContext(ctx, txn, s.deleteParkedForwardsBeforeStmt).ExecContext(ctx, beforeTS)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
