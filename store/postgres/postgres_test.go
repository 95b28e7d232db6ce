// Copyright 2024 Trillian Authors. All Rights Reserved.
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

package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/store/postgres"
	"github.com/transparency-dev/identity-sequencer/store/storetest"
)

// dsnEnv names the environment variable pointing at a scratch PostgreSQL
// instance, mirroring the teacher's testdb.SkipIfNoPostgreSQL gate.
const dsnEnv = "SEQUENCER_TEST_POSTGRES_DSN"

func TestConformance(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping PostgreSQL store conformance suite", dsnEnv)
	}

	ctx := context.Background()
	storetest.RunConformance(t, ctx, func(t *testing.T) store.Store {
		s, err := postgres.Open(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.WipeCache(ctx))
		require.NoError(t, truncatePending(ctx, dsn))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func truncatePending(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, "DELETE FROM pending_identities")
	return err
}
