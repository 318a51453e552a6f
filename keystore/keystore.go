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

package keystore

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/internal/caching"
	"github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/keystore/internal"
	"github.com/matrix-org/bracken/keystore/inthttp"
	"github.com/matrix-org/bracken/keystore/producers"
	"github.com/matrix-org/bracken/keystore/storage"
	"github.com/matrix-org/bracken/setup/config"
)

// AddInternalRoutes registers HTTP handlers for the internal API. Invokes
// functions on the given input API.
func AddInternalRoutes(router *mux.Router, intAPI api.KeyStoreInternalAPI) {
	inthttp.AddRoutes(router, intAPI)
}

// NewInternalAPI returns a concrete implementation of the internal API.
func NewInternalAPI(
	cfg *config.KeyStore,
	caches *caching.Caches,
	refresher api.DeviceListRefresher,
	uploader api.SignatureUploader,
) api.KeyStoreInternalAPI {
	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to key store database")
	}
	return &internal.KeyStoreInternalAPI{
		DB:        db,
		Cfg:       cfg,
		Cache:     caches,
		Refresher: refresher,
		Producer: &producers.SignatureUpload{
			Uploader: uploader,
		},
	}
}
