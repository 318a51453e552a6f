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

package tables

import (
	"context"
	"database/sql"
	"encoding/json"
)

// FlowRow is one persisted verification flow. FlowJSON carries the whole
// flow, including in-progress cryptographic material, so that a restart
// can resume or expire it.
type FlowRow struct {
	OtherUserID string
	FlowID      string
	State       string
	CreatedTS   int64
	FlowJSON    json.RawMessage
}

type VerificationFlows interface {
	UpsertFlow(ctx context.Context, txn *sql.Tx, row FlowRow) error
	SelectFlow(ctx context.Context, txn *sql.Tx, otherUserID, flowID string) (*FlowRow, error)
	// SelectActiveFlows returns every flow not yet in a terminal state.
	SelectActiveFlows(ctx context.Context, txn *sql.Tx) ([]FlowRow, error)
	DeleteFlow(ctx context.Context, txn *sql.Tx, otherUserID, flowID string) error
	// DeleteFlowsBefore removes terminal flows created before the cutoff.
	DeleteFlowsBefore(ctx context.Context, txn *sql.Tx, beforeTS int64) error
}
