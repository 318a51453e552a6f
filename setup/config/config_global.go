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

package config

import "time"

type Global struct {
	// The Matrix user ID that this instance acts for, e.g. '@alice:example.org'.
	UserID string `yaml:"user_id"`

	// The device ID of the local session.
	DeviceID string `yaml:"device_id"`

	// Global pool of database connections. If a component does not specify
	// any database options of its own, then this pool of connections will
	// be used instead.
	DatabaseOptions DatabaseOptions `yaml:"database"`

	// The address to listen on for the internal HTTP APIs and metrics.
	ListenAddress string `yaml:"listen_address"`

	// The URL that other processes should use to reach the internal HTTP
	// APIs, when components run out of process.
	InternalAPIURL string `yaml:"internal_api_url"`

	// The URL of the sync agent that carries to-device events, device list
	// downloads and signature uploads on our behalf. Optional: without it
	// the engine keeps everything local and outbound sends fail until one
	// is configured.
	TransportAPIURL string `yaml:"transport_api_url"`

	// In-memory cache options for all components.
	Cache CacheOptions `yaml:"cache"`

	// Metrics configuration
	Metrics Metrics `yaml:"metrics"`

	// Sentry configuration
	Sentry Sentry `yaml:"sentry"`
}

func (c *Global) Defaults(generate bool) {
	if generate {
		c.UserID = "@localpart:localhost"
		c.DeviceID = "BRACKEN"
		c.DatabaseOptions.ConnectionString = "file:bracken.db"
	}
	c.ListenAddress = "localhost:7776"
	c.InternalAPIURL = "http://localhost:7776"
	c.DatabaseOptions.Defaults(10)
	c.Cache.Defaults()
	c.Metrics.Defaults(generate)
	c.Sentry.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.user_id", c.UserID)
	checkNotEmpty(configErrs, "global.device_id", c.DeviceID)
	checkNotEmpty(configErrs, "global.listen_address", c.ListenAddress)
	c.Cache.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.Sentry.Verify(configErrs)
}

// CacheOptions bounds the in-memory caches shared by all components.
type CacheOptions struct {
	// Estimated maximum size of all caches, in bytes.
	EstimatedMaxSize int64 `yaml:"max_size_estimated"`
	// How long cached entries are considered valid for.
	MaxAge time.Duration `yaml:"max_age"`
}

func (c *CacheOptions) Defaults() {
	c.EstimatedMaxSize = 64 * 1024 * 1024
	c.MaxAge = time.Hour
}

func (c *CacheOptions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "global.cache.max_size_estimated", c.EstimatedMaxSize)
	checkPositive(configErrs, "global.cache.max_age", int64(c.MaxAge))
}

// The configuration to use for Prometheus metrics
type Metrics struct {
	// Whether or not metrics are enabled
	Enabled bool `yaml:"enabled"`
}

func (c *Metrics) Defaults(generate bool) {
	c.Enabled = false
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
}

// The configuration to use for Sentry error reporting
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

type DatabaseOptions struct {
	// The connection string, file:filename.db
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	if c.ConnectionString != "" && !c.ConnectionString.IsSQLite() {
		configErrs.Add("this is a client-side store: only file: (SQLite) connection strings are supported")
	}
}

// MaxIdleConns returns maximum idle connections to the DB
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused
func (c DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}
