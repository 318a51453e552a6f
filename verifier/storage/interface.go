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

package storage

import (
	"context"

	"github.com/matrix-org/bracken/verifier/storage/tables"
)

type Database interface {
	// StoreFlow persists the serialised flow snapshot, replacing any
	// previous snapshot for the same (other user, flow ID) pair.
	StoreFlow(ctx context.Context, row tables.FlowRow) error
	// Flow returns the stored snapshot, or nil if there isn't one.
	Flow(ctx context.Context, otherUserID, flowID string) (*tables.FlowRow, error)
	// ActiveFlows returns all flows not yet in a terminal state.
	ActiveFlows(ctx context.Context) ([]tables.FlowRow, error)
	DeleteFlow(ctx context.Context, otherUserID, flowID string) error
	// DeleteTerminalFlowsBefore removes done or cancelled flows that
	// were created before the given timestamp.
	DeleteTerminalFlowsBefore(ctx context.Context, beforeTS int64) error
}
