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

package sqlite3

import (
	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/setup/config"
	"github.com/matrix-org/bracken/verifier/storage/shared"
)

func NewDatabase(dbProperties *config.DatabaseOptions) (*shared.Database, error) {
	writer := sqlutil.NewExclusiveWriter()
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, err
	}
	flows, err := NewSqliteVerificationFlowsTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:         db,
		Writer:     writer,
		FlowsTable: flows,
	}, nil
}
