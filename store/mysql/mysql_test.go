// Copyright 2017 Google LLC. All Rights Reserved.
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

package mysql_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/store/mysql"
	"github.com/transparency-dev/identity-sequencer/store/storetest"
)

// dsnEnv names the environment variable a developer or CI job sets to
// point at a scratch MySQL instance. Unset by default, which skips this
// suite the same way the teacher's testdb.SkipIfNoMySQL does for its own
// integration tests.
const dsnEnv = "SEQUENCER_TEST_MYSQL_DSN"

func TestConformance(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping MySQL store conformance suite", dsnEnv)
	}

	ctx := context.Background()
	storetest.RunConformance(t, ctx, func(t *testing.T) store.Store {
		s, err := mysql.Open(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.WipeCache(ctx))
		require.NoError(t, truncatePending(ctx, dsn))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// truncatePending clears pending_identities between sub-tests; WipeCache
// intentionally only clears cached_events (§4.A: wipe_cache preserves
// pending identities), so the test harness needs a side door.
func truncatePending(ctx context.Context, dsn string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, "DELETE FROM pending_identities")
	return err
}
