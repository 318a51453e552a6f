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
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/internal/caching"
	"github.com/matrix-org/bracken/keystore"
	"github.com/matrix-org/bracken/keystore/api"
	"github.com/matrix-org/bracken/setup"
)

const usage = `Usage: %s

Create a new cross-signing identity for the configured user and print the
recovery phrase, or restore one from a previously printed phrase.

Arguments:

`

var restorePhrase = flag.String("restore", "", "Restore the cross-signing identity from this recovery phrase instead of creating a new one")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}

	cfg := setup.ParseFlags()

	caches, err := caching.NewRistrettoCache(
		caching.CacheSize(cfg.Global.Cache.EstimatedMaxSize),
		cfg.Global.Cache.MaxAge, false,
	)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create caches")
	}
	keyStoreAPI := keystore.NewInternalAPI(&cfg.KeyStore, caches, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	if *restorePhrase != "" {
		var res api.PerformRestoreCrossSigningResponse
		err := keyStoreAPI.PerformRestoreCrossSigning(ctx, &api.PerformRestoreCrossSigningRequest{
			RecoveryPhrase: *restorePhrase,
		}, &res)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to restore cross-signing identity")
		}
		if res.Error != nil {
			logrus.WithError(res.Error).Fatal("Failed to restore cross-signing identity")
		}
		fmt.Printf("Restored cross-signing identity for %s\n", res.MasterKey.UserID)
		for keyID, key := range res.MasterKey.Keys {
			fmt.Printf("Master key: %s %s\n", keyID, key.Encode())
		}
		return
	}

	var res api.PerformInitialiseCrossSigningResponse
	if err := keyStoreAPI.PerformInitialiseCrossSigning(ctx, &api.PerformInitialiseCrossSigningRequest{}, &res); err != nil {
		logrus.WithError(err).Fatal("Failed to create cross-signing identity")
	}
	if res.Error != nil {
		logrus.WithError(res.Error).Fatal("Failed to create cross-signing identity")
	}

	fmt.Printf("Created cross-signing identity for %s\n", res.MasterKey.UserID)
	for keyID, key := range res.MasterKey.Keys {
		fmt.Printf("Master key: %s %s\n", keyID, key.Encode())
	}
	fmt.Println()
	fmt.Println("Recovery phrase (store this somewhere safe, it is shown only once):")
	fmt.Println()
	fmt.Printf("    %s\n", res.RecoveryPhrase)
}
