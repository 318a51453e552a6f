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

package api

import (
	"context"
	"encoding/json"
)

// KeyGateInternalAPI guards unrequested room-key forwards. A forward is
// parked until an invite from the same sender for the same room places it
// inside the validity window, at which point the whole bucket is released
// exactly once.
type KeyGateInternalAPI interface {
	// PerformParkKeyForward parks an unrequested key forward under its
	// (room, sender) bucket. The receipt timestamp bounds the window, not
	// processing time.
	PerformParkKeyForward(ctx context.Context, req *PerformParkKeyForwardRequest, res *PerformParkKeyForwardResponse) error
	// PerformRecordInvite records when a room became relevant because of
	// an invite. Only the earliest timestamp per (room, inviter) is kept.
	PerformRecordInvite(ctx context.Context, req *PerformRecordInviteRequest, res *PerformRecordInviteResponse) error
	// PerformSweepParkedKeys joins parked forwards against invite marks
	// and returns every bucket whose invite falls inside the validity
	// window, in either arrival order. Returned entries are deleted, so a
	// bucket is never released twice. Call once per sync cycle.
	PerformSweepParkedKeys(ctx context.Context, req *PerformSweepParkedKeysRequest, res *PerformSweepParkedKeysResponse) error
	// QueryParkedKeyForwards returns what is currently parked for a
	// bucket, for diagnostics.
	QueryParkedKeyForwards(ctx context.Context, req *QueryParkedKeyForwardsRequest, res *QueryParkedKeyForwardsResponse) error
}

// ParkedKeyForward is one decrypted key-forward event waiting for its
// invite.
type ParkedKeyForward struct {
	RoomID       string          `json:"room_id"`
	SenderUserID string          `json:"sender_user_id"`
	EventJSON    json.RawMessage `json:"event_json"`
	ReceivedTS   int64           `json:"received_ts"`
}

// ReleasedBatch is every forward of one (room, sender) bucket, released
// together.
type ReleasedBatch struct {
	RoomID       string             `json:"room_id"`
	SenderUserID string             `json:"sender_user_id"`
	Forwards     []ParkedKeyForward `json:"forwards"`
}

type PerformParkKeyForwardRequest struct {
	RoomID       string          `json:"room_id"`
	SenderUserID string          `json:"sender_user_id"`
	EventJSON    json.RawMessage `json:"event_json"`
	ReceivedTS   int64           `json:"received_ts"`
}

type PerformParkKeyForwardResponse struct {
}

type PerformRecordInviteRequest struct {
	RoomID        string `json:"room_id"`
	InviterUserID string `json:"inviter_user_id"`
	InviteTS      int64  `json:"invite_ts"`
}

type PerformRecordInviteResponse struct {
}

type PerformSweepParkedKeysRequest struct {
}

type PerformSweepParkedKeysResponse struct {
	Released []ReleasedBatch `json:"released"`
}

type QueryParkedKeyForwardsRequest struct {
	RoomID       string `json:"room_id"`
	SenderUserID string `json:"sender_user_id"`
}

type QueryParkedKeyForwardsResponse struct {
	Forwards []ParkedKeyForward `json:"forwards"`
}
