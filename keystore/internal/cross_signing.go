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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/keystore/storage/tables"
	"github.com/matrix-org/bracken/keystore/types"
)

func sanityCheckKey(key types.CrossSigningKey, userID string, purpose types.CrossSigningKeyPurpose) error {
	// Is there exactly one key?
	if len(key.Keys) != 1 {
		return fmt.Errorf("should contain exactly one key")
	}

	// Does the key ID match the key value? Iterates exactly once
	for keyID, keyData := range key.Keys {
		b64 := keyData.Encode()
		tokens := strings.Split(string(keyID), ":")
		if len(tokens) != 2 {
			return fmt.Errorf("key ID is incorrectly formatted")
		}
		if tokens[1] != b64 {
			return fmt.Errorf("key ID isn't correct")
		}
		switch tokens[0] {
		case "ed25519":
			if len(keyData) != ed25519.PublicKeySize {
				return fmt.Errorf("ed25519 key is not the correct length")
			}
		default:
			// We can't enforce the key length to be correct for an
			// algorithm that we don't recognise, so instead we'll
			// just make sure that it isn't incredibly excessive.
			if l := len(keyData); l > 4096 {
				return fmt.Errorf("unknown key type is too long (%d bytes)", l)
			}
		}
	}

	// Check to see if the signatures make sense
	for _, forOriginUser := range key.Signatures {
		for originKeyID, originSignature := range forOriginUser {
			switch strings.SplitN(string(originKeyID), ":", 2)[0] {
			case "ed25519":
				if len(originSignature) != ed25519.SignatureSize {
					return fmt.Errorf("ed25519 signature is not the correct length")
				}
			default:
				if l := len(originSignature); l > 4096 {
					return fmt.Errorf("unknown signature type is too long (%d bytes)", l)
				}
			}
		}
	}

	// Does the key claim to be from the right user?
	if userID != key.UserID {
		return fmt.Errorf("key has a user ID mismatch")
	}

	// Does the key contain the correct purpose?
	useful := false
	for _, usage := range key.Usage {
		if usage == purpose {
			useful = true
			break
		}
	}
	if !useful {
		return fmt.Errorf("key does not contain correct usage purpose")
	}

	return nil
}

// singleKey returns the only entry of a sanity-checked key's key map.
func singleKey(key types.CrossSigningKey) (canonical.KeyID, canonical.Base64Bytes) {
	for keyID, keyData := range key.Keys {
		return keyID, keyData
	}
	return "", nil
}

// verifyMasterSignature checks that the given subordinate key carries a
// valid signature from the supplied master key over its canonical form.
func verifyMasterSignature(key types.CrossSigningKey, masterKeyID canonical.KeyID, masterKey ed25519.PublicKey) error {
	forUser, ok := key.Signatures[key.UserID]
	if !ok {
		return fmt.Errorf("key carries no signatures from user %q", key.UserID)
	}
	if _, ok = forUser[masterKeyID]; !ok {
		return fmt.Errorf("key is not signed by master key %q", masterKeyID)
	}
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	return canonical.VerifyJSON(key.UserID, masterKeyID, masterKey, keyJSON)
}

// nolint:gocyclo
func (a *KeyStoreInternalAPI) PerformSetCrossSigningKeys(ctx context.Context, req *api.PerformSetCrossSigningKeysRequest, res *api.PerformSetCrossSigningKeysResponse) error {
	// Find the keys to store.
	byPurpose := map[types.CrossSigningKeyPurpose]types.CrossSigningKey{}
	toStore := types.CrossSigningKeyMap{}
	hasMasterKey := false

	if len(req.MasterKey.Keys) > 0 {
		if err := sanityCheckKey(req.MasterKey, req.UserID, types.CrossSigningKeyPurposeMaster); err != nil {
			res.Error = &api.KeyError{
				Err:  "Master key sanity check failed: " + err.Error(),
				Code: api.ErrorInvalidSignatureChain,
			}
			return nil
		}
		byPurpose[types.CrossSigningKeyPurposeMaster] = req.MasterKey
		_, keyData := singleKey(req.MasterKey)
		toStore[types.CrossSigningKeyPurposeMaster] = keyData
		hasMasterKey = true
	}

	if len(req.SelfSigningKey.Keys) > 0 {
		if err := sanityCheckKey(req.SelfSigningKey, req.UserID, types.CrossSigningKeyPurposeSelfSigning); err != nil {
			res.Error = &api.KeyError{
				Err:  "Self-signing key sanity check failed: " + err.Error(),
				Code: api.ErrorInvalidSignatureChain,
			}
			return nil
		}
		byPurpose[types.CrossSigningKeyPurposeSelfSigning] = req.SelfSigningKey
		_, keyData := singleKey(req.SelfSigningKey)
		toStore[types.CrossSigningKeyPurposeSelfSigning] = keyData
	}

	if len(req.UserSigningKey.Keys) > 0 {
		if err := sanityCheckKey(req.UserSigningKey, req.UserID, types.CrossSigningKeyPurposeUserSigning); err != nil {
			res.Error = &api.KeyError{
				Err:  "User-signing key sanity check failed: " + err.Error(),
				Code: api.ErrorInvalidSignatureChain,
			}
			return nil
		}
		byPurpose[types.CrossSigningKeyPurposeUserSigning] = req.UserSigningKey
		_, keyData := singleKey(req.UserSigningKey)
		toStore[types.CrossSigningKeyPurposeUserSigning] = keyData
	}

	// If there's nothing to do then stop here.
	if len(toStore) == 0 {
		res.Error = &api.KeyError{
			Err: "No keys were supplied in the request",
		}
		return nil
	}

	// We can't have a self-signing or user-signing key without a master
	// key, so find one either in the request or in the database.
	masterKeyData := toStore[types.CrossSigningKeyPurposeMaster]
	if !hasMasterKey {
		existingKeys, err := a.DB.CrossSigningKeysDataForUser(ctx, req.UserID)
		if err != nil {
			res.Error = &api.KeyError{
				Err: "Retrieving cross-signing keys from database failed: " + err.Error(),
			}
			return nil
		}
		if masterKeyData, hasMasterKey = existingKeys[types.CrossSigningKeyPurposeMaster]; !hasMasterKey {
			res.Error = &api.KeyError{
				Err:  "No master key was found",
				Code: api.ErrorInvalidSignatureChain,
			}
			return nil
		}
	}
	masterKeyID := canonical.KeyID("ed25519:" + masterKeyData.Encode())
	masterPub := ed25519.PublicKey(masterKeyData)

	// Subordinate keys are only valid if the master key vouches for them.
	for _, purpose := range []types.CrossSigningKeyPurpose{
		types.CrossSigningKeyPurposeSelfSigning,
		types.CrossSigningKeyPurposeUserSigning,
	} {
		key, ok := byPurpose[purpose]
		if !ok {
			continue
		}
		if err := verifyMasterSignature(key, masterKeyID, masterPub); err != nil {
			res.Error = &api.KeyError{
				Err:  fmt.Sprintf("Signature chain check failed for %q key: %s", purpose, err),
				Code: api.ErrorInvalidSignatureChain,
			}
			return nil
		}
	}

	// Collect the signatures that arrived with the keys so that they land
	// in the same transaction as the keys themselves.
	var sigRows []tables.SignatureRow
	for _, key := range byPurpose {
		targetKeyID, _ := singleKey(key)
		for sigUserID, forSigUserID := range key.Signatures {
			if sigUserID != req.UserID {
				continue
			}
			for sigKeyID, sigBytes := range forSigUserID {
				sigRows = append(sigRows, tables.SignatureRow{
					OriginUserID: sigUserID,
					OriginKeyID:  sigKeyID,
					TargetUserID: req.UserID,
					TargetKeyID:  targetKeyID,
					Signature:    sigBytes,
				})
			}
		}
	}

	if err := a.DB.StoreCrossSigningKeysForUser(ctx, req.UserID, toStore, sigRows); err != nil {
		res.Error = &api.KeyError{
			Err: fmt.Sprintf("a.DB.StoreCrossSigningKeysForUser: %s", err),
		}
		return nil
	}
	return nil
}

// deriveIdentity expands one secret into the three cross-signing keypairs.
// The derivation is deterministic so the same recovery phrase always
// reproduces the same hierarchy.
func deriveIdentity(userID string, entropy []byte) (types.LocalIdentity, error) {
	identity := types.LocalIdentity{UserID: userID}
	for _, purpose := range []struct {
		name types.CrossSigningKeyPurpose
		seed *canonical.Base64Bytes
	}{
		{types.CrossSigningKeyPurposeMaster, &identity.MasterSeed},
		{types.CrossSigningKeyPurposeSelfSigning, &identity.SelfSigningSeed},
		{types.CrossSigningKeyPurposeUserSigning, &identity.UserSigningSeed},
	} {
		seed := make([]byte, ed25519.SeedSize)
		hkdfReader := hkdf.New(sha256.New, entropy, nil, []byte("cross-signing "+string(purpose.name)))
		if _, err := io.ReadFull(hkdfReader, seed); err != nil {
			return identity, fmt.Errorf("hkdf: %w", err)
		}
		*purpose.seed = seed
	}
	return identity, nil
}

func publicKey(seed canonical.Base64Bytes) (ed25519.PrivateKey, canonical.KeyID, canonical.Base64Bytes) {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := canonical.Base64Bytes(priv.Public().(ed25519.PublicKey))
	return priv, canonical.KeyID("ed25519:" + pub.Encode()), pub
}

// createIdentity stores a fresh local hierarchy derived from the given
// entropy and returns the signed master key.
func (a *KeyStoreInternalAPI) createIdentity(ctx context.Context, entropy []byte) (*types.CrossSigningKey, *api.KeyError) {
	userID := a.LocalUserID()
	identity, err := deriveIdentity(userID, entropy)
	if err != nil {
		return nil, &api.KeyError{Err: fmt.Sprintf("deriveIdentity: %s", err)}
	}

	masterPriv, masterKeyID, masterPub := publicKey(identity.MasterSeed)
	_, selfKeyID, selfPub := publicKey(identity.SelfSigningSeed)
	_, userKeyID, userPub := publicKey(identity.UserSigningSeed)

	masterKey := types.CrossSigningKey{
		UserID: userID,
		Usage:  []types.CrossSigningKeyPurpose{types.CrossSigningKeyPurposeMaster},
		Keys:   map[canonical.KeyID]canonical.Base64Bytes{masterKeyID: masterPub},
	}

	toStore := types.CrossSigningKeyMap{
		types.CrossSigningKeyPurposeMaster:      masterPub,
		types.CrossSigningKeyPurposeSelfSigning: selfPub,
		types.CrossSigningKeyPurposeUserSigning: userPub,
	}

	// The master key signs its subordinates so that the hierarchy is
	// self-describing and survives export to other devices.
	var sigRows []tables.SignatureRow
	for _, subordinate := range []struct {
		purpose types.CrossSigningKeyPurpose
		keyID   canonical.KeyID
		pub     canonical.Base64Bytes
	}{
		{types.CrossSigningKeyPurposeSelfSigning, selfKeyID, selfPub},
		{types.CrossSigningKeyPurposeUserSigning, userKeyID, userPub},
	} {
		key := types.CrossSigningKey{
			UserID: userID,
			Usage:  []types.CrossSigningKeyPurpose{subordinate.purpose},
			Keys:   map[canonical.KeyID]canonical.Base64Bytes{subordinate.keyID: subordinate.pub},
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, &api.KeyError{Err: fmt.Sprintf("json.Marshal: %s", err)}
		}
		signedJSON, err := canonical.SignJSON(userID, masterKeyID, masterPriv, keyJSON)
		if err != nil {
			return nil, &api.KeyError{Err: fmt.Sprintf("canonical.SignJSON: %s", err)}
		}
		var signed types.CrossSigningKey
		if err := json.Unmarshal(signedJSON, &signed); err != nil {
			return nil, &api.KeyError{Err: fmt.Sprintf("json.Unmarshal: %s", err)}
		}
		sigRows = append(sigRows, tables.SignatureRow{
			OriginUserID: userID,
			OriginKeyID:  masterKeyID,
			TargetUserID: userID,
			TargetKeyID:  subordinate.keyID,
			Signature:    signed.Signatures[userID][masterKeyID],
		})
	}

	if err := a.DB.StoreCrossSigningKeysForUser(ctx, userID, toStore, sigRows); err != nil {
		return nil, &api.KeyError{Err: fmt.Sprintf("a.DB.StoreCrossSigningKeysForUser: %s", err)}
	}
	if err := a.DB.StoreLocalIdentity(ctx, identity); err != nil {
		return nil, &api.KeyError{Err: fmt.Sprintf("a.DB.StoreLocalIdentity: %s", err)}
	}
	return &masterKey, nil
}

func (a *KeyStoreInternalAPI) PerformInitialiseCrossSigning(ctx context.Context, req *api.PerformInitialiseCrossSigningRequest, res *api.PerformInitialiseCrossSigningResponse) error {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("rand.Read: %s", err)}
		return nil
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("bip39.NewMnemonic: %s", err)}
		return nil
	}
	masterKey, keyErr := a.createIdentity(ctx, entropy)
	if keyErr != nil {
		res.Error = keyErr
		return nil
	}
	res.RecoveryPhrase = mnemonic
	res.MasterKey = *masterKey
	return nil
}

func (a *KeyStoreInternalAPI) PerformRestoreCrossSigning(ctx context.Context, req *api.PerformRestoreCrossSigningRequest, res *api.PerformRestoreCrossSigningResponse) error {
	entropy, err := bip39.EntropyFromMnemonic(req.RecoveryPhrase)
	if err != nil {
		res.Error = &api.KeyError{
			Err: "Recovery phrase is not valid: " + err.Error(),
		}
		return nil
	}
	masterKey, keyErr := a.createIdentity(ctx, entropy)
	if keyErr != nil {
		res.Error = keyErr
		return nil
	}
	res.MasterKey = *masterKey
	return nil
}

// localIdentityForSigning loads the local private keys. A missing private
// row while the local user's public master key is known means the identity
// exists but its private half was never stored or restored on this session,
// which callers surface as a locked key rather than a missing identity.
func (a *KeyStoreInternalAPI) localIdentityForSigning(ctx context.Context) (*types.LocalIdentity, *api.KeyError) {
	identity, err := a.DB.LocalIdentity(ctx)
	if err != nil {
		return nil, &api.KeyError{Err: fmt.Sprintf("a.DB.LocalIdentity: %s", err)}
	}
	if identity != nil {
		return identity, nil
	}
	keys, err := a.DB.CrossSigningKeysForUser(ctx, a.LocalUserID())
	if err != nil {
		return nil, &api.KeyError{Err: fmt.Sprintf("a.DB.CrossSigningKeysForUser: %s", err)}
	}
	if _, ok := keys[types.CrossSigningKeyPurposeMaster]; ok {
		return nil, &api.KeyError{
			Err:  "cross-signing private keys are locked, restore them first",
			Code: api.ErrorKeyLocked,
		}
	}
	return nil, &api.KeyError{
		Err:  "no local cross-signing identity exists",
		Code: api.ErrorNoCrossSigningIdentity,
	}
}

func (a *KeyStoreInternalAPI) PerformSignDevice(ctx context.Context, req *api.PerformSignDeviceRequest, res *api.PerformSignDeviceResponse) error {
	identity, keyErr := a.localIdentityForSigning(ctx)
	if keyErr != nil {
		res.Error = keyErr
		return nil
	}

	device, err := a.deviceKeysWithRefresh(ctx, req.UserID, req.DeviceID)
	if err != nil {
		res.Error = &api.KeyError{Err: err.Error()}
		return nil
	}
	if device == nil {
		res.Error = &api.KeyError{
			Err:  fmt.Sprintf("device %q for user %q is not known", req.DeviceID, req.UserID),
			Code: api.ErrorDeviceNotFound,
		}
		return nil
	}

	var targetKeyID canonical.KeyID
	for keyID := range device.Keys {
		if strings.HasPrefix(string(keyID), "ed25519:") {
			targetKeyID = keyID
			break
		}
	}
	if targetKeyID == "" {
		res.Error = &api.KeyError{
			Err:  fmt.Sprintf("device %q for user %q has no ed25519 key", req.DeviceID, req.UserID),
			Code: api.ErrorDeviceNotFound,
		}
		return nil
	}

	selfPriv, selfKeyID, _ := publicKey(identity.SelfSigningSeed)
	deviceJSON, err := json.Marshal(device)
	if err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("json.Marshal: %s", err)}
		return nil
	}
	signedJSON, err := canonical.SignJSON(identity.UserID, selfKeyID, selfPriv, deviceJSON)
	if err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("canonical.SignJSON: %s", err)}
		return nil
	}
	var signed types.DeviceKeys
	if err := json.Unmarshal(signedJSON, &signed); err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("json.Unmarshal: %s", err)}
		return nil
	}

	if err := a.DB.StoreCrossSigningSigs(
		ctx, identity.UserID, selfKeyID, req.UserID, targetKeyID,
		signed.Signatures[identity.UserID][selfKeyID],
	); err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("a.DB.StoreCrossSigningSigs: %s", err)}
		return nil
	}
	a.invalidateDeviceTrust(ctx, req.UserID, req.DeviceID)

	if err := a.Producer.ProduceSignatureUpload(ctx, req.UserID, targetKeyID, signedJSON); err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("a.Producer.ProduceSignatureUpload: %s", err)}
		return nil
	}
	return nil
}

func (a *KeyStoreInternalAPI) PerformTrustUser(ctx context.Context, req *api.PerformTrustUserRequest, res *api.PerformTrustUserResponse) error {
	identity, err := a.DB.LocalIdentity(ctx)
	if err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("a.DB.LocalIdentity: %s", err)}
		return nil
	}
	if identity == nil {
		res.Error = &api.KeyError{
			Err:  "no local cross-signing identity exists",
			Code: api.ErrorNoCrossSigningIdentity,
		}
		return nil
	}

	targetKeys, err := a.DB.CrossSigningKeysForUser(ctx, req.UserID)
	if err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("a.DB.CrossSigningKeysForUser: %s", err)}
		return nil
	}
	targetMaster, ok := targetKeys[types.CrossSigningKeyPurposeMaster]
	if !ok && a.Refresher != nil {
		if err = a.Refresher.RefreshDeviceList(ctx, req.UserID); err == nil {
			if targetKeys, err = a.DB.CrossSigningKeysForUser(ctx, req.UserID); err == nil {
				targetMaster, ok = targetKeys[types.CrossSigningKeyPurposeMaster]
			}
		}
	}
	if !ok {
		res.Error = &api.KeyError{
			Err:  fmt.Sprintf("no master key is known for user %q", req.UserID),
			Code: api.ErrorUserNotFound,
		}
		return nil
	}

	targetKeyID, _ := singleKey(targetMaster)
	userPriv, userKeyID, _ := publicKey(identity.UserSigningSeed)
	masterJSON, err := json.Marshal(targetMaster)
	if err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("json.Marshal: %s", err)}
		return nil
	}
	signedJSON, err := canonical.SignJSON(identity.UserID, userKeyID, userPriv, masterJSON)
	if err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("canonical.SignJSON: %s", err)}
		return nil
	}
	var signed types.CrossSigningKey
	if err := json.Unmarshal(signedJSON, &signed); err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("json.Unmarshal: %s", err)}
		return nil
	}

	if err := a.DB.StoreCrossSigningSigs(
		ctx, identity.UserID, userKeyID, req.UserID, targetKeyID,
		signed.Signatures[identity.UserID][userKeyID],
	); err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("a.DB.StoreCrossSigningSigs: %s", err)}
		return nil
	}

	if err := a.Producer.ProduceSignatureUpload(ctx, req.UserID, targetKeyID, signedJSON); err != nil {
		res.Error = &api.KeyError{Err: fmt.Sprintf("a.Producer.ProduceSignatureUpload: %s", err)}
		return nil
	}
	return nil
}

// deviceKeysWithRefresh loads a device, asking the transport to refresh the
// owner's device list once if the device is not in our local view.
func (a *KeyStoreInternalAPI) deviceKeysWithRefresh(ctx context.Context, userID, deviceID string) (*types.DeviceKeys, error) {
	device, err := a.DB.DeviceKeys(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("a.DB.DeviceKeys: %w", err)
	}
	if device != nil || a.Refresher == nil {
		return device, nil
	}
	// Our view may be stale. Refresh once and try again.
	if err = a.Refresher.RefreshDeviceList(ctx, userID); err != nil {
		return nil, fmt.Errorf("a.Refresher.RefreshDeviceList: %w", err)
	}
	device, err = a.DB.DeviceKeys(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("a.DB.DeviceKeys: %w", err)
	}
	return device, nil
}
