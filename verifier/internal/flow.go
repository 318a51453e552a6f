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

package internal

import (
	"encoding/json"

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/verifier/api"
	"github.com/matrix-org/bracken/verifier/storage/tables"
)

// verificationFlow is the full mutable state of one flow. All fields are
// exported so that the flow can be snapshotted to the database as JSON on
// every transition and restored after a restart. A flow is only ever
// touched from inside its own inbox, so no locking happens here.
type verificationFlow struct {
	FlowID        string        `json:"flow_id"`
	OtherUserID   string        `json:"other_user_id"`
	OtherDeviceID string        `json:"other_device_id"`
	State         api.FlowState `json:"state"`
	Method        api.Method    `json:"method,omitempty"`
	// WeStarted is true if the request came from this device rather than
	// from the peer.
	WeStarted  bool           `json:"we_started"`
	CancelCode api.CancelCode `json:"cancel_code,omitempty"`
	CreatedTS  int64          `json:"created_ts"`

	OurMethods   []api.Method `json:"our_methods,omitempty"`
	TheirMethods []api.Method `json:"their_methods,omitempty"`

	SAS *sasState `json:"sas,omitempty"`
	QR  *qrState  `json:"qr,omitempty"`

	ShortCodeDecimal []uint16 `json:"short_code_decimal,omitempty"`
	ShortCodeEmoji   []string `json:"short_code_emoji,omitempty"`

	// Completion bookkeeping. Done requires both sides to have confirmed,
	// exchanged MACs and sent their done events, in any order.
	WeConfirmed   bool `json:"we_confirmed"`
	TheyConfirmed bool `json:"they_confirmed"`
	WeSentMAC     bool `json:"we_sent_mac"`
	TheirMACOK    bool `json:"their_mac_ok"`
	WeDone        bool `json:"we_done"`
	TheyDone      bool `json:"they_done"`
}

// sasState carries the short-authentication-string artifacts. The private
// key is part of the snapshot so that a flow interrupted mid-exchange can
// resume after a restart.
type sasState struct {
	WeStartedSAS bool                  `json:"we_started_sas"`
	OurPrivate   canonical.Base64Bytes `json:"our_private"`
	OurPublic    canonical.Base64Bytes `json:"our_public"`
	TheirPublic  canonical.Base64Bytes `json:"their_public,omitempty"`
	SharedSecret canonical.Base64Bytes `json:"shared_secret,omitempty"`
	// TheirCommitment is the commitment from the peer's start event, held
	// until their public key arrives and the commitment can be checked.
	TheirCommitment string `json:"their_commitment,omitempty"`
	// StartCanonical is the canonical form of the start payload without
	// its commitment field, as used on both sides of the commitment.
	StartCanonical canonical.Base64Bytes `json:"start_canonical,omitempty"`
}

// qrState carries the QR artifacts for the side that generated a payload.
type qrState struct {
	Secret  canonical.Base64Bytes `json:"secret"`
	Payload canonical.Base64Bytes `json:"payload"`
}

func (f *verificationFlow) public() api.Flow {
	return api.Flow{
		FlowID:           f.FlowID,
		OtherUserID:      f.OtherUserID,
		OtherDeviceID:    f.OtherDeviceID,
		State:            f.State,
		Method:           f.Method,
		WeStarted:        f.WeStarted,
		CancelCode:       f.CancelCode,
		ShortCodeDecimal: f.ShortCodeDecimal,
		ShortCodeEmoji:   f.ShortCodeEmoji,
		CreatedTS:        f.CreatedTS,
	}
}

func (f *verificationFlow) row() (tables.FlowRow, error) {
	blob, err := json.Marshal(f)
	if err != nil {
		return tables.FlowRow{}, err
	}
	return tables.FlowRow{
		OtherUserID: f.OtherUserID,
		FlowID:      f.FlowID,
		State:       string(f.State),
		CreatedTS:   f.CreatedTS,
		FlowJSON:    blob,
	}, nil
}

func flowFromRow(row tables.FlowRow) (*verificationFlow, error) {
	var f verificationFlow
	if err := json.Unmarshal(row.FlowJSON, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
