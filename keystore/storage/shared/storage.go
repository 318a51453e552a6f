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
	"bytes"
	"context"
	"database/sql"

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/keystore/storage/tables"
	"github.com/matrix-org/bracken/keystore/types"
)

type Database struct {
	DB                    *sql.DB
	Writer                sqlutil.Writer
	CrossSigningKeysTable tables.CrossSigningKeys
	CrossSigningSigsTable tables.CrossSigningSigs
	DeviceKeysTable       tables.DeviceKeys
	TrustEpochsTable      tables.TrustEpochs
	LocalIdentityTable    tables.LocalIdentity
}

func (d *Database) CrossSigningKeysDataForUser(ctx context.Context, userID string) (types.CrossSigningKeyMap, error) {
	return d.CrossSigningKeysTable.SelectCrossSigningKeysForUser(ctx, nil, userID)
}

// CrossSigningKeysForUser returns the user's cross-signing keys in their
// signed wire form, with all stored signatures over each key attached.
func (d *Database) CrossSigningKeysForUser(ctx context.Context, userID string) (map[types.CrossSigningKeyPurpose]types.CrossSigningKey, error) {
	keyMap, err := d.CrossSigningKeysTable.SelectCrossSigningKeysForUser(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	results := map[types.CrossSigningKeyPurpose]types.CrossSigningKey{}
	for keyType, keyData := range keyMap {
		keyID := canonical.KeyID("ed25519:" + keyData.Encode())
		key := types.CrossSigningKey{
			UserID: userID,
			Usage:  []types.CrossSigningKeyPurpose{keyType},
			Keys: map[canonical.KeyID]canonical.Base64Bytes{
				keyID: keyData,
			},
		}
		sigMap, err := d.CrossSigningSigsTable.SelectCrossSigningSigsForTarget(ctx, nil, userID, keyID)
		if err != nil {
			return nil, err
		}
		if len(sigMap) > 0 {
			key.Signatures = sigMap
		}
		results[keyType] = key
	}
	return results, nil
}

// StoreCrossSigningKeysForUser replaces the user's cross-signing keys and
// commits the supplied signatures over them in the same transaction. If the
// master key changes then the user's old keys and every signature made by or
// over them are removed and the user's trust epoch is bumped, so stale trust
// can never be derived from the previous hierarchy.
func (d *Database) StoreCrossSigningKeysForUser(ctx context.Context, userID string, keyMap types.CrossSigningKeyMap, sigs []tables.SignatureRow) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		existing, err := d.CrossSigningKeysTable.SelectCrossSigningKeysForUser(ctx, txn, userID)
		if err != nil {
			return err
		}
		oldMaster, hadMaster := existing[types.CrossSigningKeyPurposeMaster]
		newMaster := keyMap[types.CrossSigningKeyPurposeMaster]
		if hadMaster && !bytes.Equal(oldMaster, newMaster) {
			for _, keyData := range existing {
				keyID := canonical.KeyID("ed25519:" + keyData.Encode())
				if err := d.CrossSigningSigsTable.DeleteCrossSigningSigsForTarget(ctx, txn, userID, keyID); err != nil {
					return err
				}
			}
			if err := d.CrossSigningSigsTable.DeleteCrossSigningSigsMadeBy(ctx, txn, userID); err != nil {
				return err
			}
			if err := d.CrossSigningKeysTable.DeleteCrossSigningKeysForUser(ctx, txn, userID); err != nil {
				return err
			}
			epoch, err := d.TrustEpochsTable.SelectTrustEpoch(ctx, txn, userID)
			if err != nil {
				return err
			}
			if err := d.TrustEpochsTable.UpsertTrustEpoch(ctx, txn, userID, epoch+1); err != nil {
				return err
			}
		}
		for keyType, keyData := range keyMap {
			if err := d.CrossSigningKeysTable.UpsertCrossSigningKeysForUser(ctx, txn, userID, keyType, keyData); err != nil {
				return err
			}
		}
		for _, sig := range sigs {
			if err := d.CrossSigningSigsTable.UpsertCrossSigningSigsForTarget(
				ctx, txn, sig.OriginUserID, sig.OriginKeyID, sig.TargetUserID, sig.TargetKeyID, sig.Signature,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) StoreCrossSigningSigs(
	ctx context.Context,
	originUserID string, originKeyID canonical.KeyID,
	targetUserID string, targetKeyID canonical.KeyID,
	signature canonical.Base64Bytes,
) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.CrossSigningSigsTable.UpsertCrossSigningSigsForTarget(ctx, txn, originUserID, originKeyID, targetUserID, targetKeyID, signature)
	})
}

func (d *Database) CrossSigningSigsForTarget(ctx context.Context, targetUserID string, targetKeyID canonical.KeyID) (types.CrossSigningSigMap, error) {
	return d.CrossSigningSigsTable.SelectCrossSigningSigsForTarget(ctx, nil, targetUserID, targetKeyID)
}

func (d *Database) CrossSigningSigsMadeBy(ctx context.Context, originUserID string, originKeyID canonical.KeyID) ([]tables.SignatureEdge, error) {
	return d.CrossSigningSigsTable.SelectCrossSigningSigsMadeBy(ctx, nil, originUserID, originKeyID)
}

func (d *Database) TrustEpochForUser(ctx context.Context, userID string) (int64, error) {
	return d.TrustEpochsTable.SelectTrustEpoch(ctx, nil, userID)
}

func (d *Database) StoreDeviceKeys(ctx context.Context, keys []types.DeviceKeys) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.DeviceKeysTable.UpsertDeviceKeys(ctx, txn, keys)
	})
}

// ReplaceDeviceKeysForUser stores a complete snapshot of a user's devices,
// removing any devices absent from the snapshot.
func (d *Database) ReplaceDeviceKeysForUser(ctx context.Context, userID string, keys []types.DeviceKeys) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.DeviceKeysTable.DeleteAllDeviceKeys(ctx, txn, userID); err != nil {
			return err
		}
		return d.DeviceKeysTable.UpsertDeviceKeys(ctx, txn, keys)
	})
}

func (d *Database) DeviceKeysForUser(ctx context.Context, userID string) ([]types.DeviceKeys, error) {
	return d.DeviceKeysTable.SelectDeviceKeysForUser(ctx, nil, userID)
}

func (d *Database) DeviceKeys(ctx context.Context, userID, deviceID string) (*types.DeviceKeys, error) {
	return d.DeviceKeysTable.SelectDeviceKeys(ctx, nil, userID, deviceID)
}

// DeleteDeviceKeys removes the device keys for a given user/device, and any
// accompanying cross-signing signatures relating to that device.
func (d *Database) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		keys, err := d.DeviceKeysTable.SelectDeviceKeys(ctx, txn, userID, deviceID)
		if err != nil {
			return err
		}
		if keys != nil {
			for keyID := range keys.Keys {
				if err := d.CrossSigningSigsTable.DeleteCrossSigningSigsForTarget(ctx, txn, userID, keyID); err != nil {
					return err
				}
			}
		}
		return d.DeviceKeysTable.DeleteDeviceKeys(ctx, txn, userID, deviceID)
	})
}

func (d *Database) MarkDeviceLocallyVerified(ctx context.Context, userID, deviceID string, verified bool) (bool, error) {
	var found bool
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		found, err = d.DeviceKeysTable.UpdateDeviceLocalVerified(ctx, txn, userID, deviceID, verified)
		return err
	})
	return found, err
}

func (d *Database) DeviceLocallyVerified(ctx context.Context, userID, deviceID string) (bool, error) {
	return d.DeviceKeysTable.SelectDeviceLocalVerified(ctx, nil, userID, deviceID)
}

func (d *Database) LocalIdentity(ctx context.Context) (*types.LocalIdentity, error) {
	return d.LocalIdentityTable.SelectLocalIdentity(ctx, nil)
}

func (d *Database) StoreLocalIdentity(ctx context.Context, identity types.LocalIdentity) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.LocalIdentityTable.UpsertLocalIdentity(ctx, txn, identity)
	})
}
