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

package inthttp

import (
	"context"
	"errors"
	"net/http"

	"github.com/matrix-org/bracken/internal/httputil"
	"github.com/matrix-org/bracken/keystore/api"
)

type httpKeyStoreInternalAPI struct {
	apiURL     string
	httpClient *http.Client
}

// NewKeyStoreClient creates a KeyStoreInternalAPI implemented by talking
// to an HTTP POST API.
func NewKeyStoreClient(apiURL string, httpClient *http.Client) (api.KeyStoreInternalAPI, error) {
	if httpClient == nil {
		return nil, errors.New("NewKeyStoreClient: httpClient is <nil>")
	}
	return &httpKeyStoreInternalAPI{
		apiURL:     apiURL,
		httpClient: httpClient,
	}, nil
}

func (h *httpKeyStoreInternalAPI) PerformInitialiseCrossSigning(ctx context.Context, req *api.PerformInitialiseCrossSigningRequest, res *api.PerformInitialiseCrossSigningResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformInitialiseCrossSigning", h.apiURL+PerformInitialiseCrossSigningPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) PerformRestoreCrossSigning(ctx context.Context, req *api.PerformRestoreCrossSigningRequest, res *api.PerformRestoreCrossSigningResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformRestoreCrossSigning", h.apiURL+PerformRestoreCrossSigningPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) PerformSetCrossSigningKeys(ctx context.Context, req *api.PerformSetCrossSigningKeysRequest, res *api.PerformSetCrossSigningKeysResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformSetCrossSigningKeys", h.apiURL+PerformSetCrossSigningKeysPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) PerformStoreDeviceKeys(ctx context.Context, req *api.PerformStoreDeviceKeysRequest, res *api.PerformStoreDeviceKeysResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformStoreDeviceKeys", h.apiURL+PerformStoreDeviceKeysPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) PerformDeleteDeviceKeys(ctx context.Context, req *api.PerformDeleteDeviceKeysRequest, res *api.PerformDeleteDeviceKeysResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformDeleteDeviceKeys", h.apiURL+PerformDeleteDeviceKeysPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) PerformMarkDeviceVerified(ctx context.Context, req *api.PerformMarkDeviceVerifiedRequest, res *api.PerformMarkDeviceVerifiedResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformMarkDeviceVerified", h.apiURL+PerformMarkDeviceVerifiedPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) PerformSignDevice(ctx context.Context, req *api.PerformSignDeviceRequest, res *api.PerformSignDeviceResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformSignDevice", h.apiURL+PerformSignDevicePath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) PerformTrustUser(ctx context.Context, req *api.PerformTrustUserRequest, res *api.PerformTrustUserResponse) error {
	return httputil.CallInternalRPCAPI("KeyStorePerformTrustUser", h.apiURL+PerformTrustUserPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) QueryUserTrust(ctx context.Context, req *api.QueryUserTrustRequest, res *api.QueryUserTrustResponse) error {
	return httputil.CallInternalRPCAPI("KeyStoreQueryUserTrust", h.apiURL+QueryUserTrustPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) QueryDeviceTrust(ctx context.Context, req *api.QueryDeviceTrustRequest, res *api.QueryDeviceTrustResponse) error {
	return httputil.CallInternalRPCAPI("KeyStoreQueryDeviceTrust", h.apiURL+QueryDeviceTrustPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) QueryCrossSigningKeys(ctx context.Context, req *api.QueryCrossSigningKeysRequest, res *api.QueryCrossSigningKeysResponse) error {
	return httputil.CallInternalRPCAPI("KeyStoreQueryCrossSigningKeys", h.apiURL+QueryCrossSigningKeysPath, h.httpClient, ctx, req, res)
}

func (h *httpKeyStoreInternalAPI) QueryDeviceKeys(ctx context.Context, req *api.QueryDeviceKeysRequest, res *api.QueryDeviceKeysResponse) error {
	return httputil.CallInternalRPCAPI("KeyStoreQueryDeviceKeys", h.apiURL+QueryDeviceKeysPath, h.httpClient, ctx, req, res)
}
