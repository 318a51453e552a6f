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
	"github.com/matrix-org/bracken/keygate/api"
)

type httpKeyGateInternalAPI struct {
	apiURL     string
	httpClient *http.Client
}

// NewKeyGateClient creates a KeyGateInternalAPI implemented by talking to
// an HTTP POST API. If httpClient is nil an error is returned.
func NewKeyGateClient(apiURL string, httpClient *http.Client) (api.KeyGateInternalAPI, error) {
	if httpClient == nil {
		return nil, errors.New("NewKeyGateClient: httpClient is <nil>")
	}
	return &httpKeyGateInternalAPI{
		apiURL:     apiURL,
		httpClient: httpClient,
	}, nil
}

func (h *httpKeyGateInternalAPI) PerformParkKeyForward(
	ctx context.Context, req *api.PerformParkKeyForwardRequest, res *api.PerformParkKeyForwardResponse,
) error {
	return httputil.CallInternalRPCAPI(
		"KeyGatePerformParkKeyForward", h.apiURL+PerformParkKeyForwardPath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpKeyGateInternalAPI) PerformRecordInvite(
	ctx context.Context, req *api.PerformRecordInviteRequest, res *api.PerformRecordInviteResponse,
) error {
	return httputil.CallInternalRPCAPI(
		"KeyGatePerformRecordInvite", h.apiURL+PerformRecordInvitePath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpKeyGateInternalAPI) PerformSweepParkedKeys(
	ctx context.Context, req *api.PerformSweepParkedKeysRequest, res *api.PerformSweepParkedKeysResponse,
) error {
	return httputil.CallInternalRPCAPI(
		"KeyGatePerformSweepParkedKeys", h.apiURL+PerformSweepParkedKeysPath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpKeyGateInternalAPI) QueryParkedKeyForwards(
	ctx context.Context, req *api.QueryParkedKeyForwardsRequest, res *api.QueryParkedKeyForwardsResponse,
) error {
	return httputil.CallInternalRPCAPI(
		"KeyGateQueryParkedKeyForwards", h.apiURL+QueryParkedKeyForwardsPath,
		h.httpClient, ctx, req, res,
	)
}
