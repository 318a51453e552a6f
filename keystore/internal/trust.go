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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/internal/caching"
	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/keystore/types"
)

// maxTrustGraphSize bounds the signature graph walk. A hierarchy this large
// is almost certainly malicious, so give up and report untrusted.
const maxTrustGraphSize = 4096

// trustNode is one cross-signing key reached during a trust graph walk.
type trustNode struct {
	userID  string
	keyID   canonical.KeyID
	purpose types.CrossSigningKeyPurpose
	pub     ed25519.PublicKey
}

func (a *KeyStoreInternalAPI) QueryUserTrust(ctx context.Context, req *api.QueryUserTrustRequest, res *api.QueryUserTrustResponse) error {
	trusted, err := a.checkUserTrust(ctx, req.UserID)
	if err != nil {
		return err
	}
	res.Verified = trusted
	return nil
}

func (a *KeyStoreInternalAPI) QueryDeviceTrust(ctx context.Context, req *api.QueryDeviceTrustRequest, res *api.QueryDeviceTrustResponse) error {
	locallyVerified, err := a.DB.DeviceLocallyVerified(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return fmt.Errorf("a.DB.DeviceLocallyVerified: %w", err)
	}
	crossSigned, err := a.checkDeviceCrossSigned(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return err
	}
	res.LocallyVerified = locallyVerified
	res.CrossSignedVerified = crossSigned
	return nil
}

// checkUserTrust reports whether the user's master key is reachable from
// the local master key by a chain of valid signatures. The local user is
// trusted as soon as an identity exists: their master key is the root.
func (a *KeyStoreInternalAPI) checkUserTrust(ctx context.Context, userID string) (bool, error) {
	identity, err := a.DB.LocalIdentity(ctx)
	if err != nil {
		return false, fmt.Errorf("a.DB.LocalIdentity: %w", err)
	}
	if identity == nil {
		return false, nil
	}
	if userID == identity.UserID {
		return true, nil
	}

	// Only positive answers are cached: adding a signature can turn an
	// untrusted answer into a trusted one at any moment, but a trusted
	// answer only changes when the hierarchy is replaced, which bumps the
	// epoch and makes the cached entry unreachable.
	epoch, err := a.DB.TrustEpochForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("a.DB.TrustEpochForUser: %w", err)
	}
	cacheKey := fmt.Sprintf("%s@%d", userID, epoch)
	if a.Cache != nil {
		if trusted, ok := a.Cache.UserTrust.Get(cacheKey); ok && trusted {
			return true, nil
		}
	}

	trusted, err := a.walkTrustGraph(ctx, identity, func(node trustNode) bool {
		return node.userID == userID && node.purpose == types.CrossSigningKeyPurposeMaster
	})
	if err != nil {
		return false, err
	}
	if trusted && a.Cache != nil {
		a.Cache.UserTrust.Set(cacheKey, true)
	}
	return trusted, nil
}

// checkDeviceCrossSigned reports whether the device is signed by its
// owner's self-signing key and that key hangs off a trusted hierarchy.
func (a *KeyStoreInternalAPI) checkDeviceCrossSigned(ctx context.Context, userID, deviceID string) (bool, error) {
	identity, err := a.DB.LocalIdentity(ctx)
	if err != nil {
		return false, fmt.Errorf("a.DB.LocalIdentity: %w", err)
	}
	if identity == nil {
		return false, nil
	}

	epoch, err := a.DB.TrustEpochForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("a.DB.TrustEpochForUser: %w", err)
	}
	cacheKey := fmt.Sprintf("%s/%s@%d", userID, deviceID, epoch)
	if a.Cache != nil {
		if cached, ok := a.Cache.DeviceTrust.Get(cacheKey); ok && cached.CrossSignedVerified {
			return true, nil
		}
	}

	// The walk must reach the owner's self-signing key: for the local user
	// that is one hop from the root, for anyone else it goes through the
	// local user-signing key and the owner's master key.
	var selfSigningNode *trustNode
	reached, err := a.walkTrustGraph(ctx, identity, func(node trustNode) bool {
		if node.userID == userID && node.purpose == types.CrossSigningKeyPurposeSelfSigning {
			selfSigningNode = &node
			return true
		}
		return false
	})
	if err != nil {
		return false, err
	}
	if !reached || selfSigningNode == nil {
		return false, nil
	}

	device, err := a.DB.DeviceKeys(ctx, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("a.DB.DeviceKeys: %w", err)
	}
	if device == nil {
		return false, nil
	}
	var deviceKeyID canonical.KeyID
	for keyID := range device.Keys {
		if strings.HasPrefix(string(keyID), "ed25519:") {
			deviceKeyID = keyID
			break
		}
	}
	if deviceKeyID == "" {
		return false, nil
	}

	// The signature may have been made locally (signature table) or have
	// arrived embedded in a downloaded device payload.
	signature, ok := device.Signatures[userID][selfSigningNode.keyID]
	if !ok {
		sigMap, err := a.DB.CrossSigningSigsForTarget(ctx, userID, deviceKeyID)
		if err != nil {
			return false, fmt.Errorf("a.DB.CrossSigningSigsForTarget: %w", err)
		}
		if signature, ok = sigMap[userID][selfSigningNode.keyID]; !ok {
			return false, nil
		}
	}

	if device.Signatures == nil {
		device.Signatures = types.CrossSigningSigMap{}
	}
	if _, ok := device.Signatures[userID]; !ok {
		device.Signatures[userID] = map[canonical.KeyID]canonical.Base64Bytes{}
	}
	device.Signatures[userID][selfSigningNode.keyID] = signature
	deviceJSON, err := json.Marshal(device)
	if err != nil {
		return false, fmt.Errorf("json.Marshal: %w", err)
	}
	if err := canonical.VerifyJSON(userID, selfSigningNode.keyID, selfSigningNode.pub, deviceJSON); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id":   userID,
			"device_id": deviceID,
		}).Warn("Self-signing signature over device failed verification")
		return false, nil
	}

	if a.Cache != nil {
		a.Cache.DeviceTrust.Set(cacheKey, caching.DeviceTrust{CrossSignedVerified: true})
	}
	return true, nil
}

// walkTrustGraph walks signature edges breadth-first from the local master
// key, verifying each signature against the stored key material, and
// reports whether any reached key satisfies the predicate. The visited set
// means cycles terminate rather than loop.
func (a *KeyStoreInternalAPI) walkTrustGraph(ctx context.Context, identity *types.LocalIdentity, wanted func(trustNode) bool) (bool, error) {
	_, masterKeyID, masterPub := publicKey(identity.MasterSeed)
	frontier := []trustNode{{
		userID:  identity.UserID,
		keyID:   masterKeyID,
		purpose: types.CrossSigningKeyPurposeMaster,
		pub:     ed25519.PublicKey(masterPub),
	}}
	visited := map[string]struct{}{}

	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		visitKey := node.userID + "|" + string(node.keyID)
		if _, ok := visited[visitKey]; ok {
			continue
		}
		visited[visitKey] = struct{}{}
		if len(visited) > maxTrustGraphSize {
			logrus.WithField("user_id", identity.UserID).Warn("Trust graph walk exceeded size bound, reporting untrusted")
			return false, nil
		}

		edges, err := a.DB.CrossSigningSigsMadeBy(ctx, node.userID, node.keyID)
		if err != nil {
			return false, fmt.Errorf("a.DB.CrossSigningSigsMadeBy: %w", err)
		}
		for _, edge := range edges {
			target, err := a.resolveCrossSigningKey(ctx, edge.TargetUserID, edge.TargetKeyID)
			if err != nil {
				return false, err
			}
			if target == nil {
				// Signatures over device keys are not part of the
				// user-level graph.
				continue
			}
			if err := a.verifySignatureEdge(node, *target, edge.Signature); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"origin_user": node.userID,
					"target_user": target.userID,
				}).Warn("Ignoring signature edge that failed verification")
				continue
			}
			if wanted(*target) {
				return true, nil
			}
			frontier = append(frontier, *target)
		}
	}
	return false, nil
}

// resolveCrossSigningKey finds which of a user's stored cross-signing keys
// a key ID refers to, or nil if it refers to none of them.
func (a *KeyStoreInternalAPI) resolveCrossSigningKey(ctx context.Context, userID string, keyID canonical.KeyID) (*trustNode, error) {
	keys, err := a.DB.CrossSigningKeysDataForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("a.DB.CrossSigningKeysDataForUser: %w", err)
	}
	for purpose, keyData := range keys {
		if canonical.KeyID("ed25519:"+keyData.Encode()) == keyID {
			return &trustNode{
				userID:  userID,
				keyID:   keyID,
				purpose: purpose,
				pub:     ed25519.PublicKey(keyData),
			}, nil
		}
	}
	return nil, nil
}

// verifySignatureEdge checks the origin key's signature over the target
// key's canonical wire form.
func (a *KeyStoreInternalAPI) verifySignatureEdge(origin, target trustNode, signature canonical.Base64Bytes) error {
	key := types.CrossSigningKey{
		UserID: target.userID,
		Usage:  []types.CrossSigningKeyPurpose{target.purpose},
		Keys: map[canonical.KeyID]canonical.Base64Bytes{
			target.keyID: canonical.Base64Bytes(target.pub),
		},
		Signatures: types.CrossSigningSigMap{
			origin.userID: {
				origin.keyID: signature,
			},
		},
	}
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	return canonical.VerifyJSON(origin.userID, origin.keyID, origin.pub, keyJSON)
}

// invalidateDeviceTrust drops any cached trust answer for the device at
// the owner's current epoch.
func (a *KeyStoreInternalAPI) invalidateDeviceTrust(ctx context.Context, userID, deviceID string) {
	if a.Cache == nil {
		return
	}
	epoch, err := a.DB.TrustEpochForUser(ctx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Failed to look up trust epoch for cache invalidation")
		return
	}
	a.Cache.DeviceTrust.Unset(fmt.Sprintf("%s/%s@%d", userID, deviceID, epoch))
}
