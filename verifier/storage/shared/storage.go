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

package shared

import (
	"context"
	"database/sql"

	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/verifier/storage/tables"
)

type Database struct {
	DB         *sql.DB
	Writer     sqlutil.Writer
	FlowsTable tables.VerificationFlows
}

func (d *Database) StoreFlow(ctx context.Context, row tables.FlowRow) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FlowsTable.UpsertFlow(ctx, txn, row)
	})
}

func (d *Database) Flow(ctx context.Context, otherUserID, flowID string) (*tables.FlowRow, error) {
	return d.FlowsTable.SelectFlow(ctx, nil, otherUserID, flowID)
}

func (d *Database) ActiveFlows(ctx context.Context) ([]tables.FlowRow, error) {
	return d.FlowsTable.SelectActiveFlows(ctx, nil)
}

func (d *Database) DeleteFlow(ctx context.Context, otherUserID, flowID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FlowsTable.DeleteFlow(ctx, txn, otherUserID, flowID)
	})
}

func (d *Database) DeleteTerminalFlowsBefore(ctx context.Context, beforeTS int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FlowsTable.DeleteFlowsBefore(ctx, txn, beforeTS)
	})
}
