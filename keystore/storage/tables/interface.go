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

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/types"
)

type CrossSigningKeys interface {
	SelectCrossSigningKeysForUser(ctx context.Context, txn *sql.Tx, userID string) (r types.CrossSigningKeyMap, err error)
	UpsertCrossSigningKeysForUser(ctx context.Context, txn *sql.Tx, userID string, keyType types.CrossSigningKeyPurpose, keyData canonical.Base64Bytes) error
	DeleteCrossSigningKeysForUser(ctx context.Context, txn *sql.Tx, userID string) error
}

type CrossSigningSigs interface {
	// SelectCrossSigningSigsForTarget returns every stored signature over the
	// target key, from all origins.
	SelectCrossSigningSigsForTarget(ctx context.Context, txn *sql.Tx, targetUserID string, targetKeyID canonical.KeyID) (r types.CrossSigningSigMap, err error)
	// SelectCrossSigningSigsMadeBy returns every signature the given origin key has made,
	// in no particular order.
	SelectCrossSigningSigsMadeBy(ctx context.Context, txn *sql.Tx, originUserID string, originKeyID canonical.KeyID) ([]SignatureEdge, error)
	UpsertCrossSigningSigsForTarget(ctx context.Context, txn *sql.Tx, originUserID string, originKeyID canonical.KeyID, targetUserID string, targetKeyID canonical.KeyID, signature canonical.Base64Bytes) error
	DeleteCrossSigningSigsForTarget(ctx context.Context, txn *sql.Tx, targetUserID string, targetKeyID canonical.KeyID) error
	DeleteCrossSigningSigsMadeBy(ctx context.Context, txn *sql.Tx, originUserID string) error
}

type DeviceKeys interface {
	SelectDeviceKeysForUser(ctx context.Context, txn *sql.Tx, userID string) ([]types.DeviceKeys, error)
	SelectDeviceKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) (*types.DeviceKeys, error)
	UpsertDeviceKeys(ctx context.Context, txn *sql.Tx, keys []types.DeviceKeys) error
	DeleteDeviceKeys(ctx context.Context, txn *sql.Tx, userID, deviceID string) error
	DeleteAllDeviceKeys(ctx context.Context, txn *sql.Tx, userID string) error
	UpdateDeviceLocalVerified(ctx context.Context, txn *sql.Tx, userID, deviceID string, verified bool) (bool, error)
	SelectDeviceLocalVerified(ctx context.Context, txn *sql.Tx, userID, deviceID string) (bool, error)
}

type TrustEpochs interface {
	SelectTrustEpoch(ctx context.Context, txn *sql.Tx, userID string) (int64, error)
	UpsertTrustEpoch(ctx context.Context, txn *sql.Tx, userID string, epoch int64) error
}

type LocalIdentity interface {
	SelectLocalIdentity(ctx context.Context, txn *sql.Tx) (*types.LocalIdentity, error)
	UpsertLocalIdentity(ctx context.Context, txn *sql.Tx, identity types.LocalIdentity) error
}

// SignatureEdge is one signature made by an origin key over a target key,
// forming an edge in the trust graph.
type SignatureEdge struct {
	TargetUserID string
	TargetKeyID  canonical.KeyID
	Signature    canonical.Base64Bytes
}

// SignatureRow is a fully-qualified signature tuple, used when signatures
// must be committed in the same transaction as the keys they cover.
type SignatureRow struct {
	OriginUserID string
	OriginKeyID  canonical.KeyID
	TargetUserID string
	TargetKeyID  canonical.KeyID
	Signature    canonical.Base64Bytes
}
