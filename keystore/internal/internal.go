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
	"context"
	"fmt"

	"github.com/matrix-org/bracken/internal/caching"
	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/keystore/producers"
	"github.com/matrix-org/bracken/keystore/storage"
	"github.com/matrix-org/bracken/keystore/types"
	"github.com/matrix-org/bracken/setup/config"
)

type KeyStoreInternalAPI struct {
	DB        storage.Database
	Cfg       *config.KeyStore
	Cache     *caching.Caches
	Refresher api.DeviceListRefresher
	Producer  *producers.SignatureUpload
}

// LocalUserID is the user this store belongs to.
func (a *KeyStoreInternalAPI) LocalUserID() string {
	return a.Cfg.Matrix.UserID
}

func (a *KeyStoreInternalAPI) PerformStoreDeviceKeys(ctx context.Context, req *api.PerformStoreDeviceKeysRequest, res *api.PerformStoreDeviceKeysResponse) error {
	byUser := map[string][]types.DeviceKeys{}
	for _, keys := range req.DeviceKeys {
		if keys.UserID == "" || keys.DeviceID == "" {
			res.Error = &api.KeyError{
				Err: "device keys are missing a user ID or device ID",
			}
			return nil
		}
		byUser[keys.UserID] = append(byUser[keys.UserID], keys)
	}
	for userID, keys := range byUser {
		// Each upload is a complete snapshot of the user's devices, so
		// devices absent from it have been logged out and are pruned.
		if err := a.DB.ReplaceDeviceKeysForUser(ctx, userID, keys); err != nil {
			res.Error = &api.KeyError{
				Err: fmt.Sprintf("a.DB.ReplaceDeviceKeysForUser: %s", err),
			}
			return nil
		}
	}
	return nil
}

func (a *KeyStoreInternalAPI) PerformDeleteDeviceKeys(ctx context.Context, req *api.PerformDeleteDeviceKeysRequest, res *api.PerformDeleteDeviceKeysResponse) error {
	if err := a.DB.DeleteDeviceKeys(ctx, req.UserID, req.DeviceID); err != nil {
		res.Error = &api.KeyError{
			Err: fmt.Sprintf("a.DB.DeleteDeviceKeys: %s", err),
		}
		return nil
	}
	a.invalidateDeviceTrust(ctx, req.UserID, req.DeviceID)
	return nil
}

func (a *KeyStoreInternalAPI) PerformMarkDeviceVerified(ctx context.Context, req *api.PerformMarkDeviceVerifiedRequest, res *api.PerformMarkDeviceVerifiedResponse) error {
	found, err := a.DB.MarkDeviceLocallyVerified(ctx, req.UserID, req.DeviceID, req.Verified)
	if err != nil {
		res.Error = &api.KeyError{
			Err: fmt.Sprintf("a.DB.MarkDeviceLocallyVerified: %s", err),
		}
		return nil
	}
	if !found {
		res.Error = &api.KeyError{
			Err:  fmt.Sprintf("device %q for user %q is not known", req.DeviceID, req.UserID),
			Code: api.ErrorDeviceNotFound,
		}
		return nil
	}
	a.invalidateDeviceTrust(ctx, req.UserID, req.DeviceID)
	return nil
}

func (a *KeyStoreInternalAPI) QueryDeviceKeys(ctx context.Context, req *api.QueryDeviceKeysRequest, res *api.QueryDeviceKeysResponse) error {
	devices, err := a.DB.DeviceKeysForUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("a.DB.DeviceKeysForUser: %w", err)
	}
	// Cross-signing signatures over devices live in the signature table,
	// not in the stored payload, so merge them back in for callers.
	for i := range devices {
		for keyID := range devices[i].Keys {
			sigMap, err := a.DB.CrossSigningSigsForTarget(ctx, req.UserID, keyID)
			if err != nil {
				return fmt.Errorf("a.DB.CrossSigningSigsForTarget: %w", err)
			}
			for originUserID, forOrigin := range sigMap {
				for originKeyID, signature := range forOrigin {
					if devices[i].Signatures == nil {
						devices[i].Signatures = types.CrossSigningSigMap{}
					}
					if _, ok := devices[i].Signatures[originUserID]; !ok {
						devices[i].Signatures[originUserID] = map[canonical.KeyID]canonical.Base64Bytes{}
					}
					devices[i].Signatures[originUserID][originKeyID] = signature
				}
			}
		}
	}
	res.DeviceKeys = devices
	return nil
}

func (a *KeyStoreInternalAPI) QueryCrossSigningKeys(ctx context.Context, req *api.QueryCrossSigningKeysRequest, res *api.QueryCrossSigningKeysResponse) error {
	keys, err := a.DB.CrossSigningKeysForUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("a.DB.CrossSigningKeysForUser: %w", err)
	}
	if key, ok := keys[types.CrossSigningKeyPurposeMaster]; ok {
		res.MasterKey = &key
	}
	if key, ok := keys[types.CrossSigningKeyPurposeSelfSigning]; ok {
		res.SelfSigningKey = &key
	}
	// The user-signing key never leaves its owner.
	if req.UserID == a.LocalUserID() {
		if key, ok := keys[types.CrossSigningKeyPurposeUserSigning]; ok {
			res.UserSigningKey = &key
		}
	}
	return nil
}
