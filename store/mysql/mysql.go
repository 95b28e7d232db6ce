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

// Package mysql implements store.Store over database/sql using the MySQL
// driver, following the same prepared-statement and transaction-scoped
// style as the storage layer it is descended from.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS cached_events (
	block_number BIGINT UNSIGNED NOT NULL,
	leaf_index   BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	leaf_value   BINARY(32) NOT NULL,
	root_after   BINARY(32) NOT NULL,
	INDEX (block_number, leaf_index)
);
CREATE TABLE IF NOT EXISTS pending_identities (
	group_id    BIGINT UNSIGNED NOT NULL,
	commitment  BINARY(32) NOT NULL,
	inserted_at DATETIME(6) NOT NULL,
	PRIMARY KEY (group_id, commitment)
);`

const (
	insertEventSQL = `INSERT INTO cached_events (block_number, leaf_index, leaf_value, root_after)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE block_number = block_number`

	eventsSinceSQL = `SELECT block_number, leaf_index, leaf_value, root_after
		FROM cached_events WHERE block_number > ? ORDER BY block_number, leaf_index`

	lastCachedBlockSQL = `SELECT COALESCE(MAX(block_number), -1) FROM cached_events`

	deleteMostRecentSQL = `DELETE FROM cached_events ORDER BY block_number DESC, leaf_index DESC LIMIT ?`

	wipeCacheSQL = `DELETE FROM cached_events`

	insertPendingSQL = `INSERT INTO pending_identities (group_id, commitment, inserted_at) VALUES (?, ?, ?)`

	pendingExistsSQL = `SELECT 1 FROM pending_identities WHERE group_id = ? AND commitment = ?`

	deletePendingSQL = `DELETE FROM pending_identities WHERE group_id = ? AND commitment = ?`

	oldestPendingSQL = `SELECT group_id, commitment, inserted_at FROM pending_identities ORDER BY inserted_at LIMIT 1`
)

// Store is a store.Store backed by MySQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dataSourceName and ensures the schema exists.
func Open(ctx context.Context, dataSourceName string) (*Store, error) {
	db, err := sql.Open("mysql", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("mysql: create schema: %w", err)
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
	stmt, err := s.db.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return err
	}
	defer closeStmt(stmt)
	_, err = stmt.ExecContext(ctx, e.BlockNumber, e.LeafIndex, e.LeafValue[:], e.RootAfter[:])
	return err
}

// EventsSince implements store.Store.
func (s *Store) EventsSince(ctx context.Context, block int64) ([]store.CachedEvent, error) {
	stmt, err := s.db.PrepareContext(ctx, eventsSinceSQL)
	if err != nil {
		return nil, err
	}
	defer closeStmt(stmt)
	rows, err := stmt.QueryContext(ctx, block)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var out []store.CachedEvent
	for rows.Next() {
		var (
			e                    store.CachedEvent
			leafValue, rootAfter []byte
		)
		if err := rows.Scan(&e.BlockNumber, &e.LeafIndex, &leafValue, &rootAfter); err != nil {
			return nil, err
		}
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
	err = tx.QueryRowContext(ctx, pendingExistsSQL, groupID, commitment[:]).Scan(&exists)
	switch {
	case err == nil:
		return store.ErrDuplicateCommitment
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, insertPendingSQL, groupID, commitment[:], time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// PendingIdentityExists implements store.Store.
func (s *Store) PendingIdentityExists(ctx context.Context, groupID uint64, commitment field.Element) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, pendingExistsSQL, groupID, commitment[:]).Scan(&exists)
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
	_, err := s.db.ExecContext(ctx, deletePendingSQL, groupID, commitment[:])
	return err
}

// OldestPendingIdentity implements store.Store.
func (s *Store) OldestPendingIdentity(ctx context.Context) (*store.PendingIdentity, error) {
	var (
		p          store.PendingIdentity
		commitment []byte
	)
	err := s.db.QueryRowContext(ctx, oldestPendingSQL).Scan(&p.GroupID, &commitment, &p.InsertedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	p.Commitment = bytesToElement(commitment)
	return &p, nil
}

func bytesToElement(b []byte) field.Element {
	var e field.Element
	copy(e[field.Width-len(b):], b)
	return e
}

func closeStmt(stmt *sql.Stmt) {
	if err := stmt.Close(); err != nil {
		klog.Errorf("mysql: stmt.Close(): %v", err)
	}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		klog.Errorf("mysql: rows.Close(): %v", err)
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		klog.Errorf("mysql: tx.Rollback(): %v", err)
	}
}
