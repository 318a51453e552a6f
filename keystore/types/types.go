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

package types

import (
	"github.com/matrix-org/bracken/internal/canonical"
)

// CrossSigningKeyPurpose is the role a cross-signing key plays in the
// hierarchy.
type CrossSigningKeyPurpose string

const (
	// CrossSigningKeyPurposeMaster is the root of trust for a user.
	CrossSigningKeyPurposeMaster CrossSigningKeyPurpose = "master"
	// CrossSigningKeyPurposeSelfSigning signs the user's own devices.
	CrossSigningKeyPurposeSelfSigning CrossSigningKeyPurpose = "self_signing"
	// CrossSigningKeyPurposeUserSigning signs other users' master keys.
	// It is private to its owner and never shared with other users.
	CrossSigningKeyPurposeUserSigning CrossSigningKeyPurpose = "user_signing"
)

// CrossSigningKeyMap is the raw key material for each purpose.
type CrossSigningKeyMap map[CrossSigningKeyPurpose]canonical.Base64Bytes

// CrossSigningSigMap is a map of origin user ID -> origin key ID -> signature.
type CrossSigningSigMap map[string]map[canonical.KeyID]canonical.Base64Bytes

// A CrossSigningKey is one key in a user's cross-signing key set, in the
// form that it is signed and exchanged in.
type CrossSigningKey struct {
	UserID     string                                    `json:"user_id"`
	Usage      []CrossSigningKeyPurpose                  `json:"usage"`
	Keys       map[canonical.KeyID]canonical.Base64Bytes `json:"keys"`
	Signatures CrossSigningSigMap                        `json:"signatures,omitempty"`
}

// DeviceKeys is the signed identity-key payload for a single device.
type DeviceKeys struct {
	UserID     string                                    `json:"user_id"`
	DeviceID   string                                    `json:"device_id"`
	Algorithms []string                                  `json:"algorithms"`
	Keys       map[canonical.KeyID]canonical.Base64Bytes `json:"keys"`
	Signatures CrossSigningSigMap                        `json:"signatures,omitempty"`
}

// LocalIdentity holds the private halves of the local user's cross-signing
// keys. Absence of a row means the identity is locked or was never created.
type LocalIdentity struct {
	UserID          string
	MasterSeed      canonical.Base64Bytes
	SelfSigningSeed canonical.Base64Bytes
	UserSigningSeed canonical.Base64Bytes
}

// TrustLevel is the derived trust of a device. It is computed on demand by
// walking signature edges from the local identity, never stored directly.
type TrustLevel string

const (
	TrustLevelUnverified          TrustLevel = "unverified"
	TrustLevelLocallyVerified     TrustLevel = "locally_verified"
	TrustLevelCrossSignedVerified TrustLevel = "cross_signed_verified"
)
