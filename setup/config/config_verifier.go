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

type Verifier struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database"`

	// How long an in-progress verification flow may live before it is
	// cancelled with a timeout code on both sides.
	FlowTimeout time.Duration `yaml:"flow_timeout"`

	// How long a finished (done or cancelled) flow remains queryable so
	// that the UI can still render its final state.
	FlowGracePeriod time.Duration `yaml:"flow_grace_period"`
}

func (c *Verifier) Defaults(generate bool) {
	if generate {
		c.Database.ConnectionString = "file:verifier.db"
	}
	c.Database.Defaults(10)
	c.FlowTimeout = time.Minute * 10
	c.FlowGracePeriod = time.Minute * 2
}

func (c *Verifier) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "verifier.flow_timeout", int64(c.FlowTimeout))
	checkPositive(configErrs, "verifier.flow_grace_period", int64(c.FlowGracePeriod))
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString != "" {
		return
	}
	checkNotEmpty(configErrs, "verifier.database.connection_string", string(c.Database.ConnectionString))
	c.Database.Verify(configErrs)
}
