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

// Package postgres implements store.Store over database/sql using
// jackc/pgx's stdlib adapter, for operators who already run Postgres for
// the rest of their stack.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS cached_events (
	block_number BIGINT NOT NULL,
	leaf_index   BIGINT PRIMARY KEY,
	leaf_value   BYTEA NOT NULL,
	root_after   BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS cached_events_block_leaf_idx ON cached_events (block_number, leaf_index);
CREATE TABLE IF NOT EXISTS pending_identities (
	group_id    BIGINT NOT NULL,
	commitment  BYTEA NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (group_id, commitment)
);`

const (
	insertEventSQL = `INSERT INTO cached_events (block_number, leaf_index, leaf_value, root_after)
		VALUES ($1, $2, $3, $4) ON CONFLICT (leaf_index) DO NOTHING`

	eventsSinceSQL = `SELECT block_number, leaf_index, leaf_value, root_after
		FROM cached_events WHERE block_number > $1 ORDER BY block_number, leaf_index`

	lastCachedBlockSQL = `SELECT COALESCE(MAX(block_number), -1) FROM cached_events`

	deleteMostRecentSQL = `DELETE FROM cached_events WHERE leaf_index IN (
		SELECT leaf_index FROM cached_events ORDER BY block_number DESC, leaf_index DESC LIMIT $1)`

	wipeCacheSQL = `DELETE FROM cached_events`

	insertPendingSQL = `INSERT INTO pending_identities (group_id, commitment, inserted_at) VALUES ($1, $2, $3)`

	pendingExistsSQL = `SELECT 1 FROM pending_identities WHERE group_id = $1 AND commitment = $2`

	deletePendingSQL = `DELETE FROM pending_identities WHERE group_id = $1 AND commitment = $2`

	oldestPendingSQL = `SELECT group_id, commitment, inserted_at FROM pending_identities ORDER BY inserted_at LIMIT 1`
)

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dataSourceName and ensures the schema exists.
func Open(ctx context.Context, dataSourceName string) (*Store, error) {
	db, err := sql.Open("pgx", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return s.db.Close() }

// CheckAccessible implements store.Store.
func (s *Store) CheckAccessible(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, e store.CachedEvent) error {
	_, err := s.db.ExecContext(ctx, insertEventSQL, int64(e.BlockNumber), e.LeafIndex, e.LeafValue[:], e.RootAfter[:])
	return err
}

// EventsSince implements store.Store.
func (s *Store) EventsSince(ctx context.Context, block int64) ([]store.CachedEvent, error) {
	rows, err := s.db.QueryContext(ctx, eventsSinceSQL, block)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var out []store.CachedEvent
	for rows.Next() {
		var (
			e                    store.CachedEvent
			blockNumber          int64
			leafValue, rootAfter []byte
		)
		if err := rows.Scan(&blockNumber, &e.LeafIndex, &leafValue, &rootAfter); err != nil {
			return nil, err
		}
		e.BlockNumber = uint64(blockNumber)
		e.LeafValue = bytesToElement(leafValue)
		e.RootAfter = bytesToElement(rootAfter)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastCachedBlock implements store.Store.
func (s *Store) LastCachedBlock(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, lastCachedBlockSQL).Scan(&last)
	return last, err
}

// DeleteMostRecentCachedEvents implements store.Store.
func (s *Store) DeleteMostRecentCachedEvents(ctx context.Context, n int) error {
	_, err := s.db.ExecContext(ctx, deleteMostRecentSQL, n)
	return err
}

// WipeCache implements store.Store.
func (s *Store) WipeCache(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, wipeCacheSQL)
	return err
}

// InsertPendingIdentity implements store.Store.
func (s *Store) InsertPendingIdentity(ctx context.Context, groupID uint64, commitment field.Element) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	var exists int
	err = tx.QueryRowContext(ctx, pendingExistsSQL, int64(groupID), commitment[:]).Scan(&exists)
	switch {
	case err == nil:
		return store.ErrDuplicateCommitment
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, insertPendingSQL, int64(groupID), commitment[:], time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// PendingIdentityExists implements store.Store.
func (s *Store) PendingIdentityExists(ctx context.Context, groupID uint64, commitment field.Element) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, pendingExistsSQL, int64(groupID), commitment[:]).Scan(&exists)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// DeletePendingIdentity implements store.Store.
func (s *Store) DeletePendingIdentity(ctx context.Context, groupID uint64, commitment field.Element) error {
	_, err := s.db.ExecContext(ctx, deletePendingSQL, int64(groupID), commitment[:])
	return err
}

// OldestPendingIdentity implements store.Store.
func (s *Store) OldestPendingIdentity(ctx context.Context) (*store.PendingIdentity, error) {
	var (
		p          store.PendingIdentity
		groupID    int64
		commitment []byte
	)
	err := s.db.QueryRowContext(ctx, oldestPendingSQL).Scan(&groupID, &commitment, &p.InsertedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	p.GroupID = uint64(groupID)
	p.Commitment = bytesToElement(commitment)
	return &p, nil
}

func bytesToElement(b []byte) field.Element {
	var e field.Element
	copy(e[field.Width-len(b):], b)
	return e
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		klog.Errorf("postgres: rows.Close(): %v", err)
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		klog.Errorf("postgres: tx.Rollback(): %v", err)
	}
}
