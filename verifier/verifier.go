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

package verifier

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	keyapi "github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"
	"github.com/matrix-org/bracken/verifier/api"
	"github.com/matrix-org/bracken/verifier/consumers"
	"github.com/matrix-org/bracken/verifier/internal"
	"github.com/matrix-org/bracken/verifier/inthttp"
	"github.com/matrix-org/bracken/verifier/producers"
	"github.com/matrix-org/bracken/verifier/storage"
)

// AddInternalRoutes registers HTTP handlers for the internal API. Invokes
// functions on the given input API.
func AddInternalRoutes(router *mux.Router, intAPI api.VerifierInternalAPI) {
	inthttp.AddRoutes(router, intAPI)
}

// NewInternalAPI returns a concrete implementation of the internal API. It
// restores any in-progress flows from the database and begins enforcing
// flow timeouts.
func NewInternalAPI(
	processCtx *process.ProcessContext,
	cfg *config.Verifier,
	keyAPI keyapi.KeyStoreInternalAPI,
	transport api.Transport,
	source consumers.ToDeviceSource,
	updates *producers.FlowUpdate,
) api.VerifierInternalAPI {
	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to verifier database")
	}
	intAPI := internal.NewVerifierInternalAPI(processCtx, cfg, db, keyAPI, transport, updates)
	if source != nil {
		consumer := consumers.NewToDeviceConsumer(processCtx, source, intAPI)
		if err := consumer.Start(); err != nil {
			logrus.WithError(err).Panicf("failed to start to-device consumer")
		}
	}
	return intAPI
}
