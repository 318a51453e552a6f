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

	"github.com/matrix-org/bracken/keystore/types"
)

// KeyStoreInternalAPI maintains the cross-signing key hierarchy and answers
// trust queries derived from it.
type KeyStoreInternalAPI interface {
	TrustQueryAPI
	TrustSigningAPI

	// PerformInitialiseCrossSigning creates a fresh cross-signing identity
	// for the local user, replacing any previous one.
	PerformInitialiseCrossSigning(ctx context.Context, req *PerformInitialiseCrossSigningRequest, res *PerformInitialiseCrossSigningResponse) error
	// PerformRestoreCrossSigning recreates the local identity from a
	// recovery phrase produced by a previous initialise.
	PerformRestoreCrossSigning(ctx context.Context, req *PerformRestoreCrossSigningRequest, res *PerformRestoreCrossSigningResponse) error
	// PerformSetCrossSigningKeys stores a user's cross-signing keys after
	// re-validating the signature chain that links them.
	PerformSetCrossSigningKeys(ctx context.Context, req *PerformSetCrossSigningKeysRequest, res *PerformSetCrossSigningKeysResponse) error
	// PerformStoreDeviceKeys ingests a device-list download for a user.
	PerformStoreDeviceKeys(ctx context.Context, req *PerformStoreDeviceKeysRequest, res *PerformStoreDeviceKeysResponse) error
	// PerformDeleteDeviceKeys removes a device that was logged out or
	// deleted server-side, along with any signatures over it.
	PerformDeleteDeviceKeys(ctx context.Context, req *PerformDeleteDeviceKeysRequest, res *PerformDeleteDeviceKeysResponse) error
	// PerformMarkDeviceVerified sets or clears the local (non-cross-signed)
	// verification flag for a device.
	PerformMarkDeviceVerified(ctx context.Context, req *PerformMarkDeviceVerifiedRequest, res *PerformMarkDeviceVerifiedResponse) error
	// QueryCrossSigningKeys returns the known cross-signing keys for a
	// user. The user-signing key is only ever returned for the local user.
	QueryCrossSigningKeys(ctx context.Context, req *QueryCrossSigningKeysRequest, res *QueryCrossSigningKeysResponse) error
	// QueryDeviceKeys returns the stored device key payloads for a user.
	QueryDeviceKeys(ctx context.Context, req *QueryDeviceKeysRequest, res *QueryDeviceKeysResponse) error
}

// TrustQueryAPI is the read-only, side-effect-free part of the API that
// collaborators such as the UI and the messaging pipeline consume.
type TrustQueryAPI interface {
	QueryUserTrust(ctx context.Context, req *QueryUserTrustRequest, res *QueryUserTrustResponse) error
	QueryDeviceTrust(ctx context.Context, req *QueryDeviceTrustRequest, res *QueryDeviceTrustResponse) error
}

// TrustSigningAPI is the part of the API the verification engine invokes
// when a flow completes successfully.
type TrustSigningAPI interface {
	// PerformSignDevice signs a device's canonical identity payload with
	// the local self-signing key.
	PerformSignDevice(ctx context.Context, req *PerformSignDeviceRequest, res *PerformSignDeviceResponse) error
	// PerformTrustUser signs the target user's master key with the local
	// user-signing key, extending trust across users.
	PerformTrustUser(ctx context.Context, req *PerformTrustUserRequest, res *PerformTrustUserResponse) error
}

// KeyErrorCode classifies expected failures so that callers can decide
// whether to refresh, re-authenticate or give up.
type KeyErrorCode string

const (
	// ErrorInvalidSignatureChain means a signature was malformed or did not
	// verify. Recoverable by re-fetching keys; never fatal.
	ErrorInvalidSignatureChain KeyErrorCode = "invalid_signature_chain"
	// ErrorKeyLocked means the local private key material is unavailable.
	ErrorKeyLocked KeyErrorCode = "key_locked"
	// ErrorNoCrossSigningIdentity means no local cross-signing identity exists.
	ErrorNoCrossSigningIdentity KeyErrorCode = "no_cross_signing_identity"
	// ErrorDeviceNotFound means the device is not in our stale view, even
	// after a refresh.
	ErrorDeviceNotFound KeyErrorCode = "device_not_found"
	// ErrorUserNotFound means we hold no keys for the user, even after a
	// refresh.
	ErrorUserNotFound KeyErrorCode = "user_not_found"
)

// KeyError is returned in responses for expected failures. Infrastructure
// failures are returned as ordinary errors instead.
type KeyError struct {
	Err  string       `json:"error"`
	Code KeyErrorCode `json:"code,omitempty"`
}

func (k *KeyError) Error() string {
	return k.Err
}

// DeviceListRefresher re-downloads the device list for a user when our view
// appears stale. Implemented by the transport layer.
type DeviceListRefresher interface {
	RefreshDeviceList(ctx context.Context, userID string) error
}

// SignatureUploader propagates newly-created signatures to the wider
// network. Implemented by the transport layer.
type SignatureUploader interface {
	UploadSignatures(ctx context.Context, userID string, keyID string, signedJSON []byte) error
}

type PerformInitialiseCrossSigningRequest struct {
}

type PerformInitialiseCrossSigningResponse struct {
	RecoveryPhrase string                `json:"recovery_phrase"`
	MasterKey      types.CrossSigningKey `json:"master_key"`
	Error          *KeyError             `json:"error,omitempty"`
}

type PerformRestoreCrossSigningRequest struct {
	RecoveryPhrase string `json:"recovery_phrase"`
}

type PerformRestoreCrossSigningResponse struct {
	MasterKey types.CrossSigningKey `json:"master_key"`
	Error     *KeyError             `json:"error,omitempty"`
}

type PerformSetCrossSigningKeysRequest struct {
	UserID         string                `json:"user_id"`
	MasterKey      types.CrossSigningKey `json:"master_key"`
	SelfSigningKey types.CrossSigningKey `json:"self_signing_key"`
	UserSigningKey types.CrossSigningKey `json:"user_signing_key"`
}

type PerformSetCrossSigningKeysResponse struct {
	Error *KeyError `json:"error,omitempty"`
}

type PerformStoreDeviceKeysRequest struct {
	DeviceKeys []types.DeviceKeys `json:"device_keys"`
}

type PerformStoreDeviceKeysResponse struct {
	Error *KeyError `json:"error,omitempty"`
}

type PerformDeleteDeviceKeysRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type PerformDeleteDeviceKeysResponse struct {
	Error *KeyError `json:"error,omitempty"`
}

type PerformMarkDeviceVerifiedRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Verified bool   `json:"verified"`
}

type PerformMarkDeviceVerifiedResponse struct {
	Error *KeyError `json:"error,omitempty"`
}

type PerformSignDeviceRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type PerformSignDeviceResponse struct {
	Error *KeyError `json:"error,omitempty"`
}

type PerformTrustUserRequest struct {
	UserID string `json:"user_id"`
}

type PerformTrustUserResponse struct {
	Error *KeyError `json:"error,omitempty"`
}

type QueryUserTrustRequest struct {
	UserID string `json:"user_id"`
}

type QueryUserTrustResponse struct {
	// Verified is true if the user's master key is reachable by a chain of
	// valid signatures rooted at the local master key.
	Verified bool `json:"verified"`
}

type QueryDeviceTrustRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type QueryDeviceTrustResponse struct {
	CrossSignedVerified bool `json:"cross_signed_verified"`
	LocallyVerified     bool `json:"locally_verified"`
}

type QueryCrossSigningKeysRequest struct {
	UserID string `json:"user_id"`
}

type QueryCrossSigningKeysResponse struct {
	MasterKey      *types.CrossSigningKey `json:"master_key,omitempty"`
	SelfSigningKey *types.CrossSigningKey `json:"self_signing_key,omitempty"`
	// UserSigningKey is private to its owner: populated only when the
	// request is for the local user.
	UserSigningKey *types.CrossSigningKey `json:"user_signing_key,omitempty"`
}

type QueryDeviceKeysRequest struct {
	UserID string `json:"user_id"`
}

type QueryDeviceKeysResponse struct {
	DeviceKeys []types.DeviceKeys `json:"device_keys"`
}
