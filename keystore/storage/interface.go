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

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/storage/tables"
	"github.com/matrix-org/bracken/keystore/types"
)

type Database interface {
	// CrossSigningKeysDataForUser returns the raw public key material for each
	// of the user's cross-signing key purposes.
	CrossSigningKeysDataForUser(ctx context.Context, userID string) (types.CrossSigningKeyMap, error)

	// CrossSigningKeysForUser returns the user's cross-signing keys in their
	// signed wire form, with all stored signatures over each key attached.
	CrossSigningKeysForUser(ctx context.Context, userID string) (map[types.CrossSigningKeyPurpose]types.CrossSigningKey, error)

	// StoreCrossSigningKeysForUser replaces the user's cross-signing keys and
	// commits the supplied signatures over them in the same transaction. A
	// master key change removes the previous hierarchy's keys and signatures
	// and bumps the user's trust epoch.
	StoreCrossSigningKeysForUser(ctx context.Context, userID string, keyMap types.CrossSigningKeyMap, sigs []tables.SignatureRow) error

	// StoreCrossSigningSigs persists one signature edge in the trust graph.
	StoreCrossSigningSigs(ctx context.Context, originUserID string, originKeyID canonical.KeyID, targetUserID string, targetKeyID canonical.KeyID, signature canonical.Base64Bytes) error

	// CrossSigningSigsForTarget returns every stored signature over the target
	// key, from all origins.
	CrossSigningSigsForTarget(ctx context.Context, targetUserID string, targetKeyID canonical.KeyID) (types.CrossSigningSigMap, error)

	// CrossSigningSigsMadeBy returns every signature the given origin key has
	// made, in no particular order.
	CrossSigningSigsMadeBy(ctx context.Context, originUserID string, originKeyID canonical.KeyID) ([]tables.SignatureEdge, error)

	// TrustEpochForUser returns the user's current trust epoch. Users never
	// seen before are at epoch 0.
	TrustEpochForUser(ctx context.Context, userID string) (int64, error)

	// StoreDeviceKeys persists the given keys. Keys with the same user ID and
	// device ID will be replaced.
	StoreDeviceKeys(ctx context.Context, keys []types.DeviceKeys) error

	// ReplaceDeviceKeysForUser stores a complete snapshot of a user's devices,
	// removing any devices absent from the snapshot.
	ReplaceDeviceKeysForUser(ctx context.Context, userID string, keys []types.DeviceKeys) error

	// DeviceKeysForUser returns all known device keys for the user, in no
	// particular order.
	DeviceKeysForUser(ctx context.Context, userID string) ([]types.DeviceKeys, error)

	// DeviceKeys returns the keys for a single device, or nil if the device
	// is not known.
	DeviceKeys(ctx context.Context, userID, deviceID string) (*types.DeviceKeys, error)

	// DeleteDeviceKeys removes the device keys for a given user/device, and
	// any accompanying cross-signing signatures relating to that device.
	DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error

	// MarkDeviceLocallyVerified sets or clears the out-of-band verified bit
	// for the device. Returns false if the device is not known.
	MarkDeviceLocallyVerified(ctx context.Context, userID, deviceID string, verified bool) (bool, error)

	// DeviceLocallyVerified returns the out-of-band verified bit for the
	// device. Unknown devices are unverified.
	DeviceLocallyVerified(ctx context.Context, userID, deviceID string) (bool, error)

	// LocalIdentity returns the private halves of the local user's
	// cross-signing keys, or nil if no identity has been created.
	LocalIdentity(ctx context.Context) (*types.LocalIdentity, error)

	// StoreLocalIdentity persists the private halves of the local user's
	// cross-signing keys, replacing any previous identity.
	StoreLocalIdentity(ctx context.Context, identity types.LocalIdentity) error
}
