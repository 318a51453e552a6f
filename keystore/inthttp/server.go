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
	"github.com/gorilla/mux"

	"github.com/matrix-org/bracken/internal/httputil"
	"github.com/matrix-org/bracken/keystore/api"
)

const (
	PerformInitialiseCrossSigningPath = "/keystore/performInitialiseCrossSigning"
	PerformRestoreCrossSigningPath    = "/keystore/performRestoreCrossSigning"
	PerformSetCrossSigningKeysPath    = "/keystore/performSetCrossSigningKeys"
	PerformStoreDeviceKeysPath        = "/keystore/performStoreDeviceKeys"
	PerformDeleteDeviceKeysPath       = "/keystore/performDeleteDeviceKeys"
	PerformMarkDeviceVerifiedPath     = "/keystore/performMarkDeviceVerified"
	PerformSignDevicePath             = "/keystore/performSignDevice"
	PerformTrustUserPath              = "/keystore/performTrustUser"
	QueryUserTrustPath                = "/keystore/queryUserTrust"
	QueryDeviceTrustPath              = "/keystore/queryDeviceTrust"
	QueryCrossSigningKeysPath         = "/keystore/queryCrossSigningKeys"
	QueryDeviceKeysPath               = "/keystore/queryDeviceKeys"
)

// AddRoutes adds the KeyStoreInternalAPI handlers to the internal API router.
func AddRoutes(router *mux.Router, intAPI api.KeyStoreInternalAPI) {
	router.Handle(
		PerformInitialiseCrossSigningPath,
		httputil.MakeInternalRPCAPI("KeyStorePerformInitialiseCrossSigning", intAPI.PerformInitialiseCrossSigning),
	)
	router.Handle(
		PerformRestoreCrossSigningPath,
		httputil.MakeInternalRPCAPI("KeyStorePerformRestoreCrossSigning", intAPI.PerformRestoreCrossSigning),
	)
	router.Handle(
		PerformSetCrossSigningKeysPath,
		httputil.MakeInternalRPCAPI("KeyStorePerformSetCrossSigningKeys", intAPI.PerformSetCrossSigningKeys),
	)
	router.Handle(
		PerformStoreDeviceKeysPath,
		httputil.MakeInternalRPCAPI("KeyStorePerformStoreDeviceKeys", intAPI.PerformStoreDeviceKeys),
	)
	router.Handle(
		PerformDeleteDeviceKeysPath,
		httputil.MakeInternalRPCAPI("KeyStorePerformDeleteDeviceKeys", intAPI.PerformDeleteDeviceKeys),
	)
	router.Handle(
		PerformMarkDeviceVerifiedPath,
		httputil.MakeInternalRPCAPI("KeyStorePerformMarkDeviceVerified", intAPI.PerformMarkDeviceVerified),
	)
	router.Handle(
		PerformSignDevicePath,
		httputil.MakeInternalRPCAPI("KeyStorePerformSignDevice", intAPI.PerformSignDevice),
	)
	router.Handle(
		PerformTrustUserPath,
		httputil.MakeInternalRPCAPI("KeyStorePerformTrustUser", intAPI.PerformTrustUser),
	)
	router.Handle(
		QueryUserTrustPath,
		httputil.MakeInternalRPCAPI("KeyStoreQueryUserTrust", intAPI.QueryUserTrust),
	)
	router.Handle(
		QueryDeviceTrustPath,
		httputil.MakeInternalRPCAPI("KeyStoreQueryDeviceTrust", intAPI.QueryDeviceTrust),
	)
	router.Handle(
		QueryCrossSigningKeysPath,
		httputil.MakeInternalRPCAPI("KeyStoreQueryCrossSigningKeys", intAPI.QueryCrossSigningKeys),
	)
	router.Handle(
		QueryDeviceKeysPath,
		httputil.MakeInternalRPCAPI("KeyStoreQueryDeviceKeys", intAPI.QueryDeviceKeys),
	)
}
