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

	"github.com/matrix-org/bracken/internal/canonical"
	keyapi "github.com/matrix-org/bracken/keystore/api"
)

// deviceEd25519Key returns a device's signing key from the key store, or
// nil if the device or its ed25519 key is unknown.
func (v *VerifierInternalAPI) deviceEd25519Key(ctx context.Context, userID, deviceID string) (canonical.Base64Bytes, error) {
	var res keyapi.QueryDeviceKeysResponse
	if err := v.KeyAPI.QueryDeviceKeys(ctx, &keyapi.QueryDeviceKeysRequest{UserID: userID}, &res); err != nil {
		return nil, err
	}
	keyID := canonical.KeyID("ed25519:" + deviceID)
	for _, device := range res.DeviceKeys {
		if device.DeviceID != deviceID {
			continue
		}
		if key, ok := device.Keys[keyID]; ok {
			return key, nil
		}
	}
	return nil, nil
}

// masterKey returns a user's master public key, or nil if we don't hold
// their cross-signing keys.
func (v *VerifierInternalAPI) masterKey(ctx context.Context, userID string) (canonical.Base64Bytes, error) {
	var res keyapi.QueryCrossSigningKeysResponse
	if err := v.KeyAPI.QueryCrossSigningKeys(ctx, &keyapi.QueryCrossSigningKeysRequest{UserID: userID}, &res); err != nil {
		return nil, err
	}
	if res.MasterKey == nil {
		return nil, nil
	}
	for _, key := range res.MasterKey.Keys {
		return key, nil
	}
	return nil, nil
}

// localIdentityTrusted reports whether the local user has a cross-signing
// identity that our own trust walk accepts.
func (v *VerifierInternalAPI) localIdentityTrusted(ctx context.Context) (bool, error) {
	var res keyapi.QueryUserTrustResponse
	if err := v.KeyAPI.QueryUserTrust(ctx, &keyapi.QueryUserTrustRequest{UserID: v.localUserID()}, &res); err != nil {
		return false, err
	}
	return res.Verified, nil
}
