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

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/internal/httputil"
	"github.com/matrix-org/bracken/verifier/api"
)

type httpVerifierInternalAPI struct {
	apiURL     string
	httpClient *http.Client
}

// NewVerifierClient creates a VerifierInternalAPI implemented by talking
// to an HTTP POST API.
func NewVerifierClient(apiURL string, httpClient *http.Client) (api.VerifierInternalAPI, error) {
	if httpClient == nil {
		return nil, errors.New("NewVerifierClient: httpClient is <nil>")
	}
	return &httpVerifierInternalAPI{
		apiURL:     apiURL,
		httpClient: httpClient,
	}, nil
}

func (h *httpVerifierInternalAPI) PerformRequestVerification(ctx context.Context, req *api.PerformRequestVerificationRequest, res *api.PerformRequestVerificationResponse) error {
	return httputil.CallInternalRPCAPI("VerifierPerformRequestVerification", h.apiURL+PerformRequestVerificationPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) PerformReadyVerification(ctx context.Context, req *api.PerformReadyVerificationRequest, res *api.PerformReadyVerificationResponse) error {
	return httputil.CallInternalRPCAPI("VerifierPerformReadyVerification", h.apiURL+PerformReadyVerificationPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) PerformStartSAS(ctx context.Context, req *api.PerformStartSASRequest, res *api.PerformStartSASResponse) error {
	return httputil.CallInternalRPCAPI("VerifierPerformStartSAS", h.apiURL+PerformStartSASPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) PerformConfirmSAS(ctx context.Context, req *api.PerformConfirmSASRequest, res *api.PerformConfirmSASResponse) error {
	return httputil.CallInternalRPCAPI("VerifierPerformConfirmSAS", h.apiURL+PerformConfirmSASPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) PerformGenerateQR(ctx context.Context, req *api.PerformGenerateQRRequest, res *api.PerformGenerateQRResponse) error {
	return httputil.CallInternalRPCAPI("VerifierPerformGenerateQR", h.apiURL+PerformGenerateQRPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) PerformScanQR(ctx context.Context, req *api.PerformScanQRRequest, res *api.PerformScanQRResponse) error {
	return httputil.CallInternalRPCAPI("VerifierPerformScanQR", h.apiURL+PerformScanQRPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) PerformCancelVerification(ctx context.Context, req *api.PerformCancelVerificationRequest, res *api.PerformCancelVerificationResponse) error {
	return httputil.CallInternalRPCAPI("VerifierPerformCancelVerification", h.apiURL+PerformCancelVerificationPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) QueryVerificationFlow(ctx context.Context, req *api.QueryVerificationFlowRequest, res *api.QueryVerificationFlowResponse) error {
	return httputil.CallInternalRPCAPI("VerifierQueryVerificationFlow", h.apiURL+QueryVerificationFlowPath, h.httpClient, ctx, req, res)
}

func (h *httpVerifierInternalAPI) ProcessToDeviceEvent(ctx context.Context, event *api.ToDeviceEvent) {
	var res ProcessToDeviceEventResponse
	if err := httputil.CallInternalRPCAPI("VerifierProcessToDeviceEvent", h.apiURL+ProcessToDeviceEventPath, h.httpClient, ctx, event, &res); err != nil {
		logrus.WithError(err).Error("Failed to deliver to-device event to verifier")
	}
}
