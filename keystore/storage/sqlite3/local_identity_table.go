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
	"context"
	"database/sql"

	"github.com/matrix-org/bracken/internal/sqlutil"
	"github.com/matrix-org/bracken/keystore/storage/tables"
	"github.com/matrix-org/bracken/keystore/types"
)

var localIdentitySchema = `
-- The private halves of the local user's cross-signing keys. At most one
-- row exists; no row means the identity is locked or was never created.
CREATE TABLE IF NOT EXISTS keystore_local_identity (
    lock INTEGER NOT NULL PRIMARY KEY DEFAULT 1 CHECK (lock = 1),
	user_id TEXT NOT NULL,
	master_seed TEXT NOT NULL,
	self_signing_seed TEXT NOT NULL,
	user_signing_seed TEXT NOT NULL
);
`

const selectLocalIdentitySQL = "" +
	"SELECT user_id, master_seed, self_signing_seed, user_signing_seed FROM keystore_local_identity WHERE lock = 1"

const upsertLocalIdentitySQL = "" +
	"INSERT INTO keystore_local_identity (lock, user_id, master_seed, self_signing_seed, user_signing_seed)" +
	" VALUES (1, $1, $2, $3, $4)" +
	" ON CONFLICT (lock)" +
	" DO UPDATE SET user_id = $1, master_seed = $2, self_signing_seed = $3, user_signing_seed = $4"

type localIdentityStatements struct {
	db                      *sql.DB
	selectLocalIdentityStmt *sql.Stmt
	upsertLocalIdentityStmt *sql.Stmt
}

func NewSqliteLocalIdentityTable(db *sql.DB) (tables.LocalIdentity, error) {
	s := &localIdentityStatements{
		db: db,
	}
	_, err := db.Exec(localIdentitySchema)
	if err != nil {
		return nil, err
	}
	if s.selectLocalIdentityStmt, err = db.Prepare(selectLocalIdentitySQL); err != nil {
		return nil, err
	}
	if s.upsertLocalIdentityStmt, err = db.Prepare(upsertLocalIdentitySQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *localIdentityStatements) SelectLocalIdentity(
	ctx context.Context, txn *sql.Tx,
) (*types.LocalIdentity, error) {
	var identity types.LocalIdentity
	err := sqlutil.TxStmtContext(ctx, txn, s.selectLocalIdentityStmt).QueryRowContext(ctx).Scan(
		&identity.UserID, &identity.MasterSeed, &identity.SelfSigningSeed, &identity.UserSigningSeed,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &identity, nil
}

func (s *localIdentityStatements) UpsertLocalIdentity(
	ctx context.Context, txn *sql.Tx, identity types.LocalIdentity,
) error {
	_, err := sqlutil.TxStmtContext(ctx, txn, s.upsertLocalIdentityStmt).ExecContext(
		ctx, identity.UserID, identity.MasterSeed, identity.SelfSigningSeed, identity.UserSigningSeed,
	)
	return err
}
