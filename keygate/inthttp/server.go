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
	"github.com/matrix-org/bracken/keygate/api"
)

const (
	PerformParkKeyForwardPath  = "/keygate/performParkKeyForward"
	PerformRecordInvitePath    = "/keygate/performRecordInvite"
	PerformSweepParkedKeysPath = "/keygate/performSweepParkedKeys"
	QueryParkedKeyForwardsPath = "/keygate/queryParkedKeyForwards"
)

func AddRoutes(internalAPIMux *mux.Router, g api.KeyGateInternalAPI) {
	internalAPIMux.Handle(
		PerformParkKeyForwardPath,
		httputil.MakeInternalRPCAPI("KeyGatePerformParkKeyForward", g.PerformParkKeyForward),
	)
	internalAPIMux.Handle(
		PerformRecordInvitePath,
		httputil.MakeInternalRPCAPI("KeyGatePerformRecordInvite", g.PerformRecordInvite),
	)
	internalAPIMux.Handle(
		PerformSweepParkedKeysPath,
		httputil.MakeInternalRPCAPI("KeyGatePerformSweepParkedKeys", g.PerformSweepParkedKeys),
	)
	internalAPIMux.Handle(
		QueryParkedKeyForwardsPath,
		httputil.MakeInternalRPCAPI("KeyGateQueryParkedKeyForwards", g.QueryParkedKeyForwards),
	)
}
