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

package main

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/keygate"
	"github.com/matrix-org/bracken/keystore"
	keystoreAPI "github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/setup"
	basepkg "github.com/matrix-org/bracken/setup/base"
	"github.com/matrix-org/bracken/verifier"
	"github.com/matrix-org/bracken/verifier/producers"
)

func main() {
	cfg := setup.ParseFlags()

	base := basepkg.NewBase(cfg, "Trustd")

	transport := newSyncAgentTransport(cfg.Global.TransportAPIURL, &http.Client{Timeout: time.Second * 30})
	var refresher keystoreAPI.DeviceListRefresher
	var uploader keystoreAPI.SignatureUploader
	if cfg.Global.TransportAPIURL != "" {
		refresher = transport
		uploader = transport
	} else {
		logrus.Warn("No transport_api_url configured, signatures and verification messages will stay local")
	}

	keyStoreAPI := keystore.NewInternalAPI(&cfg.KeyStore, base.Caches, refresher, uploader)
	flowUpdates := producers.NewFlowUpdate()
	verifierAPI := verifier.NewInternalAPI(base.ProcessContext, &cfg.Verifier, keyStoreAPI, transport, transport, flowUpdates)
	keyGateAPI := keygate.NewInternalAPI(base.ProcessContext, &cfg.KeyGate)

	monolith := setup.Monolith{
		Config:      cfg,
		KeyStoreAPI: keyStoreAPI,
		VerifierAPI: verifierAPI,
		KeyGateAPI:  keyGateAPI,
	}
	monolith.AddAllInternalRoutes(base.InternalAPIMux)
	transport.AddInboundRoutes(base.InternalAPIMux)

	go base.SetupAndServeHTTP()

	base.WaitForShutdown()
}
