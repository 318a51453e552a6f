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

// Bucket identifies one (room, sender) group of parked forwards.
type Bucket struct {
	RoomID       string
	SenderUserID string
}

type ParkedForwardRow struct {
	RoomID       string
	SenderUserID string
	EventJSON    json.RawMessage
	ReceivedTS   int64
}

type ParkedForwards interface {
	InsertParkedForward(ctx context.Context, txn *sql.Tx, row ParkedForwardRow) error
	SelectParkedForwards(ctx context.Context, txn *sql.Tx, roomID, senderUserID string) ([]ParkedForwardRow, error)
	// SelectParkedBuckets returns the distinct (room, sender) pairs that
	// currently have anything parked.
	SelectParkedBuckets(ctx context.Context, txn *sql.Tx) ([]Bucket, error)
	DeleteParkedForwards(ctx context.Context, txn *sql.Tx, roomID, senderUserID string) error
	// DeleteParkedForwardsBefore purges forwards received before the
	// cutoff and reports how many went.
	DeleteParkedForwardsBefore(ctx context.Context, txn *sql.Tx, beforeTS int64) (int64, error)
}

type InviteMarks interface {
	// UpsertInviteMark records the invite timestamp, keeping the earliest
	// one seen for the (room, inviter) pair.
	UpsertInviteMark(ctx context.Context, txn *sql.Tx, roomID, inviterUserID string, inviteTS int64) error
	// SelectInviteMark returns the recorded timestamp, with ok false when
	// no invite has been seen.
	SelectInviteMark(ctx context.Context, txn *sql.Tx, roomID, inviterUserID string) (inviteTS int64, ok bool, err error)
	DeleteInviteMarksBefore(ctx context.Context, txn *sql.Tx, beforeTS int64) (int64, error)
}
