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

type KeyGate struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database"`

	// How far apart a room invite and an unrequested key forward may be,
	// in either order, for the forward to be released rather than kept
	// parked. This is an operational policy value, not a protocol one.
	ValidityWindow time.Duration `yaml:"validity_window"`
}

func (c *KeyGate) Defaults(generate bool) {
	if generate {
		c.Database.ConnectionString = "file:keygate.db"
	}
	c.Database.Defaults(10)
	c.ValidityWindow = time.Minute * 10
}

func (c *KeyGate) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "key_gate.validity_window", int64(c.ValidityWindow))
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString != "" {
		return
	}
	checkNotEmpty(configErrs, "key_gate.database.connection_string", string(c.Database.ConnectionString))
	c.Database.Verify(configErrs)
}
