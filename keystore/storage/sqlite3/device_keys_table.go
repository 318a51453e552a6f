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
	"time"

	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/keystore/storage/tables"
	"github.com/matrix-org/bracken/keystore/types"
)

var deviceKeysSchema = `
-- Stores device identity keys for users
CREATE TABLE IF NOT EXISTS keystore_device_keys (
    user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	ts_added_secs BIGINT NOT NULL,
	key_json TEXT NOT NULL,
	-- Set when the local user marked this device as verified out of band.
	local_verified BOOLEAN NOT NULL DEFAULT 0,
	-- Clobber based on tuple of user/device.
    UNIQUE (user_id, device_id)
);
`

const upsertDeviceKeysSQL = "" +
	"INSERT INTO keystore_device_keys (user_id, device_id, ts_added_secs, key_json)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (user_id, device_id)" +
	" DO UPDATE SET key_json = $4"

const selectDeviceKeysSQL = "" +
	"SELECT key_json FROM keystore_device_keys WHERE user_id=$1 AND device_id=$2"

const selectDeviceKeysForUserSQL = "" +
	"SELECT key_json FROM keystore_device_keys WHERE user_id=$1"

const deleteDeviceKeysSQL = "" +
	"DELETE FROM keystore_device_keys WHERE user_id=$1 AND device_id=$2"

const deleteAllDeviceKeysSQL = "" +
	"DELETE FROM keystore_device_keys WHERE user_id=$1"

const updateDeviceLocalVerifiedSQL = "" +
	"UPDATE keystore_device_keys SET local_verified=$1 WHERE user_id=$2 AND device_id=$3"

const selectDeviceLocalVerifiedSQL = "" +
	"SELECT local_verified FROM keystore_device_keys WHERE user_id=$1 AND device_id=$2"

type deviceKeysStatements struct {
	db                            *sql.DB
	upsertDeviceKeysStmt          *sql.Stmt
	selectDeviceKeysStmt          *sql.Stmt
	selectDeviceKeysForUserStmt   *sql.Stmt
	deleteDeviceKeysStmt          *sql.Stmt
	deleteAllDeviceKeysStmt       *sql.Stmt
	updateDeviceLocalVerifiedStmt *sql.Stmt
	selectDeviceLocalVerifiedStmt *sql.Stmt
}

func NewSqliteDeviceKeysTable(db *sql.DB) (tables.DeviceKeys, error) {
	s := &deviceKeysStatements{
		db: db,
	}
	_, err := db.Exec(deviceKeysSchema)
	if err != nil {
		return nil, err
	}
	if s.upsertDeviceKeysStmt, err = db.Prepare(upsertDeviceKeysSQL); err != nil {
		return nil, err
	}
	if s.selectDeviceKeysStmt, err = db.Prepare(selectDeviceKeysSQL); err != nil {
		return nil, err
	}
	if s.selectDeviceKeysForUserStmt, err = db.Prepare(selectDeviceKeysForUserSQL); err != nil {
		return nil, err
	}
	if s.deleteDeviceKeysStmt, err = db.Prepare(deleteDeviceKeysSQL); err != nil {
		return nil, err
	}
	if s.deleteAllDeviceKeysStmt, err = db.Prepare(deleteAllDeviceKeysSQL); err != nil {
		return nil, err
	}
	if s.updateDeviceLocalVerifiedStmt, err = db.Prepare(updateDeviceLocalVerifiedSQL); err != nil {
		return nil, err
	}
	if s.selectDeviceLocalVerifiedStmt, err = db.Prepare(selectDeviceLocalVerifiedSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *deviceKeysStatements) SelectDeviceKeys(
	ctx context.Context, txn *sql.Tx, userID, deviceID string,
) (*types.DeviceKeys, error) {
	var keyJSONStr string
	err := sqlutil.TxStmtContext(ctx, txn, s.selectDeviceKeysStmt).QueryRowContext(ctx, userID, deviceID).Scan(&keyJSONStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var keys types.DeviceKeys
	if err := json.Unmarshal([]byte(keyJSONStr), &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func (s *deviceKeysStatements) SelectDeviceKeysForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]types.DeviceKeys, error) {
	rows, err := sqlutil.TxStmtContext(ctx, txn, s.selectDeviceKeysForUserStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var result []types.DeviceKeys
	for rows.Next() {
		var keyJSONStr string
		if err := rows.Scan(&keyJSONStr); err != nil {
			return nil, err
		}
		var keys types.DeviceKeys
		if err := json.Unmarshal([]byte(keyJSONStr), &keys); err != nil {
			return nil, err
		}
		result = append(result, keys)
	}
	return result, rows.Err()
}

func (s *deviceKeysStatements) UpsertDeviceKeys(
	ctx context.Context, txn *sql.Tx, keys []types.DeviceKeys,
) error {
	now := time.Now().Unix()
	for _, key := range keys {
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return err
		}
		_, err = sqlutil.TxStmtContext(ctx, txn, s.upsertDeviceKeysStmt).ExecContext(
			ctx, key.UserID, key.DeviceID, now, string(keyJSON),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *deviceKeysStatements) DeleteDeviceKeys(
	ctx context.Context, txn *sql.Tx, userID, deviceID string,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteDeviceKeysStmt).ExecContext(ctx, userID, deviceID)
	return err
}

func (s *deviceKeysStatements) DeleteAllDeviceKeys(
	ctx context.Context, txn *sql.Tx, userID string,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.deleteAllDeviceKeysStmt).ExecContext(ctx, userID)
	return err
}

func (s *deviceKeysStatements) UpdateDeviceLocalVerified(
	ctx context.Context, txn *sql.Tx, userID, deviceID string, verified bool,
) (bool, error) {
	result, err := sqlutil.TxStmtContext(ctx, txn, s.updateDeviceLocalVerifiedStmt).ExecContext(ctx, verified, userID, deviceID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *deviceKeysStatements) SelectDeviceLocalVerified(
	ctx context.Context, txn *sql.Tx, userID, deviceID string,
) (bool, error) {
	var verified bool
	err := sqlutil.TxStmtContext(ctx, txn, s.selectDeviceLocalVerifiedStmt).QueryRowContext(ctx, userID, deviceID).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return verified, err
}
