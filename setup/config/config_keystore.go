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

type KeyStore struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database"`
}

func (c *KeyStore) Defaults(generate bool) {
	if generate {
		c.Database.ConnectionString = "file:keystore.db"
	}
	c.Database.Defaults(10)
}

func (c *KeyStore) Verify(configErrs *ConfigErrors) {
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString != "" {
		return
	}
	checkNotEmpty(configErrs, "key_store.database.connection_string", string(c.Database.ConnectionString))
	c.Database.Verify(configErrs)
}
