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

	"github.com/gorilla/mux"

	"github.com/matrix-org/bracken/internal/httputil"
	"github.com/matrix-org/bracken/verifier/api"
)

const (
	PerformRequestVerificationPath = "/verifier/performRequestVerification"
	PerformReadyVerificationPath   = "/verifier/performReadyVerification"
	PerformStartSASPath            = "/verifier/performStartSAS"
	PerformConfirmSASPath          = "/verifier/performConfirmSAS"
	PerformGenerateQRPath          = "/verifier/performGenerateQR"
	PerformScanQRPath              = "/verifier/performScanQR"
	PerformCancelVerificationPath  = "/verifier/performCancelVerification"
	QueryVerificationFlowPath      = "/verifier/queryVerificationFlow"
	ProcessToDeviceEventPath       = "/verifier/processToDeviceEvent"
)

// ProcessToDeviceEventResponse is empty: ingestion only enqueues, so there
// is nothing to report.
type ProcessToDeviceEventResponse struct{}

// AddRoutes adds the VerifierInternalAPI handlers to the internal API router.
func AddRoutes(router *mux.Router, intAPI api.VerifierInternalAPI) {
	router.Handle(
		PerformRequestVerificationPath,
		httputil.MakeInternalRPCAPI("VerifierPerformRequestVerification", intAPI.PerformRequestVerification),
	)
	router.Handle(
		PerformReadyVerificationPath,
		httputil.MakeInternalRPCAPI("VerifierPerformReadyVerification", intAPI.PerformReadyVerification),
	)
	router.Handle(
		PerformStartSASPath,
		httputil.MakeInternalRPCAPI("VerifierPerformStartSAS", intAPI.PerformStartSAS),
	)
	router.Handle(
		PerformConfirmSASPath,
		httputil.MakeInternalRPCAPI("VerifierPerformConfirmSAS", intAPI.PerformConfirmSAS),
	)
	router.Handle(
		PerformGenerateQRPath,
		httputil.MakeInternalRPCAPI("VerifierPerformGenerateQR", intAPI.PerformGenerateQR),
	)
	router.Handle(
		PerformScanQRPath,
		httputil.MakeInternalRPCAPI("VerifierPerformScanQR", intAPI.PerformScanQR),
	)
	router.Handle(
		PerformCancelVerificationPath,
		httputil.MakeInternalRPCAPI("VerifierPerformCancelVerification", intAPI.PerformCancelVerification),
	)
	router.Handle(
		QueryVerificationFlowPath,
		httputil.MakeInternalRPCAPI("VerifierQueryVerificationFlow", intAPI.QueryVerificationFlow),
	)
	router.Handle(
		ProcessToDeviceEventPath,
		httputil.MakeInternalRPCAPI("VerifierProcessToDeviceEvent", func(ctx context.Context, req *api.ToDeviceEvent, _ *ProcessToDeviceEventResponse) error {
			intAPI.ProcessToDeviceEvent(ctx, req)
			return nil
		}),
	)
}
