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

package keygate

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/keygate/api"
	"github.com/matrix-org/bracken/keygate/internal"
	"github.com/matrix-org/bracken/keygate/inthttp"
	"github.com/matrix-org/bracken/keygate/storage"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"
)

// AddInternalRoutes registers HTTP handlers for the internal API. Invokes
// functions on the given key gate API instance.
func AddInternalRoutes(router *mux.Router, intAPI api.KeyGateInternalAPI) {
	inthttp.AddRoutes(router, intAPI)
}

// NewInternalAPI returns a concrete implementation of the internal API.
func NewInternalAPI(
	processCtx *process.ProcessContext, cfg *config.KeyGate,
) api.KeyGateInternalAPI {
	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to key gate database")
	}
	return internal.NewKeyGateInternalAPI(processCtx, cfg, db)
}
