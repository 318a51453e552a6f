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

package base

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/matrix-org/bracken/internal"
	"github.com/matrix-org/bracken/internal/caching"
	"github.com/matrix-org/bracken/internal/httputil"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/setup/process"

	keygateAPI "github.com/matrix-org/bracken/keygate/api"
	keygateinthttp "github.com/matrix-org/bracken/keygate/inthttp"
	keystoreAPI "github.com/matrix-org/bracken/keystore/api"
	keystoreinthttp "github.com/matrix-org/bracken/keystore/inthttp"
	verifierAPI "github.com/matrix-org/bracken/verifier/api"
	verifierinthttp "github.com/matrix-org/bracken/verifier/inthttp"
)

// Base is a base for creating new instances of the trust engine. It
// verifies the config and exposes methods for creating the resources the
// components share. All errors are handled by logging then exiting, so
// all methods should only be used during start up.
type Base struct {
	*process.ProcessContext
	componentName  string
	InternalAPIMux *mux.Router
	apiHttpClient  *http.Client
	Cfg            *config.Bracken
	Caches         *caching.Caches
	EnableMetrics  bool
	startupLock    sync.Mutex
}

const HTTPServerTimeout = time.Minute * 5
const HTTPClientTimeout = time.Second * 30

type BaseOptions int

const (
	DisableMetrics BaseOptions = iota
)

// NewBase creates a new instance to be used by a component. The
// componentName is used for logging purposes, and should be a friendly
// name of the component running, e.g. "Verifier".
func NewBase(cfg *config.Bracken, componentName string, options ...BaseOptions) *Base {
	enableMetrics := true
	for _, opt := range options {
		switch opt {
		case DisableMetrics:
			enableMetrics = false
		}
	}

	configErrors := &config.ConfigErrors{}
	cfg.Verify(configErrors)
	if len(*configErrors) > 0 {
		for _, err := range *configErrors {
			logrus.Errorf("Configuration error: %s", err)
		}
		logrus.Fatalf("Failed to start due to configuration errors")
	}

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)

	logrus.Infof("Bracken version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       cfg.Global.UserID,
			Release:          "bracken@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
	}

	caches, err := caching.NewRistrettoCache(
		caching.CacheSize(cfg.Global.Cache.EstimatedMaxSize),
		cfg.Global.Cache.MaxAge, enableMetrics,
	)
	if err != nil {
		logrus.WithError(err).Panic("failed to create caches")
	}

	apiClient := http.Client{
		Timeout: HTTPClientTimeout,
	}

	return &Base{
		ProcessContext: process.NewProcessContext(),
		componentName:  componentName,
		Cfg:            cfg,
		Caches:         caches,
		InternalAPIMux: mux.NewRouter().SkipClean(true).PathPrefix(httputil.InternalPathPrefix).Subrouter().UseEncodedPath(),
		apiHttpClient:  &apiClient,
		EnableMetrics:  enableMetrics,
	}
}

// KeyStoreHTTPClient returns KeyStoreInternalAPI for hitting the key store
// over HTTP.
func (b *Base) KeyStoreHTTPClient() keystoreAPI.KeyStoreInternalAPI {
	ks, err := keystoreinthttp.NewKeyStoreClient(b.Cfg.Global.InternalAPIURL, b.apiHttpClient)
	if err != nil {
		logrus.WithError(err).Panic("KeyStoreHTTPClient failed")
	}
	return ks
}

// VerifierHTTPClient returns VerifierInternalAPI for hitting the verifier
// over HTTP.
func (b *Base) VerifierHTTPClient() verifierAPI.VerifierInternalAPI {
	v, err := verifierinthttp.NewVerifierClient(b.Cfg.Global.InternalAPIURL, b.apiHttpClient)
	if err != nil {
		logrus.WithError(err).Panic("VerifierHTTPClient failed")
	}
	return v
}

// KeyGateHTTPClient returns KeyGateInternalAPI for hitting the key gate
// over HTTP.
func (b *Base) KeyGateHTTPClient() keygateAPI.KeyGateInternalAPI {
	g, err := keygateinthttp.NewKeyGateClient(b.Cfg.Global.InternalAPIURL, b.apiHttpClient)
	if err != nil {
		logrus.WithError(err).Panic("KeyGateHTTPClient failed")
	}
	return g
}

// SetupAndServeHTTP sets up the HTTP server to serve endpoints registered
// on InternalAPIMux under /api/ and adds a prometheus handler under
// /metrics. It blocks until the process shuts down.
func (b *Base) SetupAndServeHTTP() {
	// Manually unlocked right before actually serving requests,
	// as we don't return from this method (defer doesn't work).
	b.startupLock.Lock()

	internalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()
	internalRouter.PathPrefix(httputil.InternalPathPrefix).Handler(b.InternalAPIMux)
	if b.Cfg.Global.Metrics.Enabled {
		internalRouter.Handle("/metrics", promhttp.Handler())
	}
	internalRouter.HandleFunc("/monitor/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	internalRouter.HandleFunc("/monitor/health", func(w http.ResponseWriter, r *http.Request) {
		if b.ProcessContext.IsDegraded() {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	})

	internalServ := &http.Server{
		Addr:         b.Cfg.Global.ListenAddress,
		WriteTimeout: HTTPServerTimeout,
		Handler:      internalRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return b.ProcessContext.Context()
		},
	}

	b.startupLock.Unlock()

	go func() {
		var internalShutdown atomic.Bool // RegisterOnShutdown can be called more than once
		logrus.Infof("Starting internal %s listener on %s", b.componentName, internalServ.Addr)
		b.ProcessContext.ComponentStarted()
		internalServ.RegisterOnShutdown(func() {
			if internalShutdown.CompareAndSwap(false, true) {
				b.ProcessContext.ComponentFinished()
				logrus.Infof("Stopped internal HTTP listener")
			}
		})
		if err := internalServ.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				logrus.WithError(err).Fatal("failed to serve HTTP")
			}
		}
		logrus.Infof("Stopped internal %s listener on %s", b.componentName, internalServ.Addr)
	}()

	<-b.ProcessContext.WaitForShutdown()

	logrus.Infof("Stopping HTTP listeners")
	_ = internalServ.Shutdown(context.Background())
	logrus.Infof("Stopped HTTP listeners")
}

// WaitForShutdown blocks until a termination signal arrives or something
// calls Shutdown, then waits for every component to finish.
func (b *Base) WaitForShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-b.ProcessContext.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")

	b.ProcessContext.Shutdown()
	b.ProcessContext.WaitForComponentsToFinish()
	if b.Cfg.Global.Sentry.Enabled {
		if !sentry.Flush(time.Second * 5) {
			logrus.Warnf("failed to flush all Sentry events!")
		}
	}

	logrus.Warnf("Bracken is exiting now")
}
