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
	"github.com/matrix-org/bracken/keygate/storage/tables"
)

type Database struct {
	DB                  *sql.DB
	Writer              sqlutil.Writer
	ParkedForwardsTable tables.ParkedForwards
	InviteMarksTable    tables.InviteMarks
}

func (d *Database) ParkKeyForward(ctx context.Context, row tables.ParkedForwardRow) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.ParkedForwardsTable.InsertParkedForward(ctx, txn, row)
	})
}

func (d *Database) RecordInvite(ctx context.Context, roomID, inviterUserID string, inviteTS int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.InviteMarksTable.UpsertInviteMark(ctx, txn, roomID, inviterUserID, inviteTS)
	})
}

func (d *Database) ParkedForwards(ctx context.Context, roomID, senderUserID string) ([]tables.ParkedForwardRow, error) {
	return d.ParkedForwardsTable.SelectParkedForwards(ctx, nil, roomID, senderUserID)
}

func (d *Database) ParkedBuckets(ctx context.Context) ([]tables.Bucket, error) {
	return d.ParkedForwardsTable.SelectParkedBuckets(ctx, nil)
}

func (d *Database) InviteMark(ctx context.Context, roomID, inviterUserID string) (int64, bool, error) {
	return d.InviteMarksTable.SelectInviteMark(ctx, nil, roomID, inviterUserID)
}

// ReleaseBucketWithin removes and returns the bucket's forwards whose
// receipt time is within the window of the invite, in either order.
// Forwards outside the window stay parked. Select, delete and re-park
// happen in one transaction, so a batch can only be handed out once.
func (d *Database) ReleaseBucketWithin(ctx context.Context, roomID, senderUserID string, inviteTS, windowMillis int64) ([]tables.ParkedForwardRow, error) {
	var released []tables.ParkedForwardRow
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		all, err := d.ParkedForwardsTable.SelectParkedForwards(ctx, txn, roomID, senderUserID)
		if err != nil {
			return err
		}
		released = released[:0]
		var kept []tables.ParkedForwardRow
		for _, row := range all {
			delta := inviteTS - row.ReceivedTS
			if delta < 0 {
				delta = -delta
			}
			if delta <= windowMillis {
				released = append(released, row)
			} else {
				kept = append(kept, row)
			}
		}
		if len(released) == 0 {
			return nil
		}
		if err := d.ParkedForwardsTable.DeleteParkedForwards(ctx, txn, roomID, senderUserID); err != nil {
			return err
		}
		for _, row := range kept {
			if err := d.ParkedForwardsTable.InsertParkedForward(ctx, txn, row); err != nil {
				return err
			}
		}
		return nil
	})
	return released, err
}

// PurgeExpired drops forwards and invite marks older than the cutoff and
// reports how many forwards went.
func (d *Database) PurgeExpired(ctx context.Context, beforeTS int64) (int64, error) {
	var purged int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		purged, err = d.ParkedForwardsTable.DeleteParkedForwardsBefore(ctx, txn, beforeTS)
		if err != nil {
			return err
		}
		_, err = d.InviteMarksTable.DeleteInviteMarksBefore(ctx, txn, beforeTS)
		return err
	})
	return purged, err
}
