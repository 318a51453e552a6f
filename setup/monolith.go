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

package setup

import (
	"github.com/gorilla/mux"

	"github.com/matrix-org/bracken/keygate"
	keygateAPI "github.com/matrix-org/bracken/keygate/api"
	"github.com/matrix-org/bracken/keystore"
	keystoreAPI "github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/verifier"
	verifierAPI "github.com/matrix-org/bracken/verifier/api"
)

// Monolith represents an instantiation of all dependencies required to
// build all components of the trust engine, for use in monolith mode.
type Monolith struct {
	Config *config.Bracken

	KeyStoreAPI keystoreAPI.KeyStoreInternalAPI
	VerifierAPI verifierAPI.VerifierInternalAPI
	KeyGateAPI  keygateAPI.KeyGateInternalAPI
}

// AddAllInternalRoutes attaches all component APIs to the given router.
func (m *Monolith) AddAllInternalRoutes(internalAPIMux *mux.Router) {
	keystore.AddInternalRoutes(internalAPIMux, m.KeyStoreAPI)
	verifier.AddInternalRoutes(internalAPIMux, m.VerifierAPI)
	keygate.AddInternalRoutes(internalAPIMux, m.KeyGateAPI)
}
