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

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// Bracken contains all the config used by a trust engine instance.
type Bracken struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current Version then we can
	// give a clear error message telling the user to update their config file.
	Version int `yaml:"version"`

	Global   Global   `yaml:"global"`
	KeyStore KeyStore `yaml:"key_store"`
	Verifier Verifier `yaml:"verifier"`
	KeyGate  KeyGate  `yaml:"key_gate"`

	// The config for logging informational messages or errors.
	Logging []LogrusHook `yaml:"logging"`
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a database, of the form "file:filename.db".
type DataSource string

// IsSQLite returns true if the data source is a SQLite file.
func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

// A LogrusHook represents a single logrus hook. At this point, only parsing
// and verification of the proper configuration for that hook are done.
// Validity/integrity checks on the hook's parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Load the configuration from the given file, checking the config for
// sanity as we go.
func Load(configPath string) (*Bracken, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return loadConfig(configData)
}

func loadConfig(configData []byte) (*Bracken, error) {
	var c Bracken
	c.Defaults(false)

	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}

	c.Wiring()

	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Wiring connects the per-component sections to the global section.
func (c *Bracken) Wiring() {
	c.KeyStore.Matrix = &c.Global
	c.Verifier.Matrix = &c.Global
	c.KeyGate.Matrix = &c.Global
}

// Defaults sets default config values for anything that was not specified.
// If generate is true then this is for a newly-generated config file and
// we will fill in values that must normally be provided by the user.
func (c *Bracken) Defaults(generate bool) {
	c.Version = Version

	c.Global.Defaults(generate)
	c.KeyStore.Defaults(generate)
	c.Verifier.Defaults(generate)
	c.KeyGate.Defaults(generate)
	c.Wiring()

	if c.Logging == nil {
		c.Logging = []LogrusHook{
			{
				Type:  "std",
				Level: "info",
			},
		}
	}
}

// Verify the config and add problems to configErrs.
func (c *Bracken) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, section := range []verifiable{
		&c.Global, &c.KeyStore, &c.Verifier, &c.KeyGate,
	} {
		section.Verify(configErrs)
	}
}

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// check returns an error type containing all errors found within the config
// file.
func (c *Bracken) check() error {
	var configErrs ConfigErrors

	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %q, expected %q - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and ensure you are not missing any important options that may have been added "+
				"or changed recently!",
			c.Version, Version,
		))
		return configErrs
	}

	c.Verify(&configErrs)

	if configErrs != nil {
		return configErrs
	}
	return nil
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
