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

	"github.com/matrix-org/bracken/keygate/storage/tables"
)

type Database interface {
	ParkKeyForward(ctx context.Context, row tables.ParkedForwardRow) error
	RecordInvite(ctx context.Context, roomID, inviterUserID string, inviteTS int64) error
	ParkedForwards(ctx context.Context, roomID, senderUserID string) ([]tables.ParkedForwardRow, error)
	ParkedBuckets(ctx context.Context) ([]tables.Bucket, error)
	InviteMark(ctx context.Context, roomID, inviterUserID string) (int64, bool, error)
	// ReleaseBucketWithin atomically removes and returns the bucket's
	// forwards received within the window of the invite, in either order.
	// Forwards outside the window stay parked. A batch is only ever
	// handed out once.
	ReleaseBucketWithin(ctx context.Context, roomID, senderUserID string, inviteTS, windowMillis int64) ([]tables.ParkedForwardRow, error)
	// PurgeExpired removes forwards and invite marks older than the
	// cutoff, returning the number of forwards purged.
	PurgeExpired(ctx context.Context, beforeTS int64) (int64, error)
}
