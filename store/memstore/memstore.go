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

// Package memstore implements store.Store entirely in memory, in the
// style of the teacher's own storage/memory backend: no persistence
// across process restart, used for tests and for quick local runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/store"
)

type pendingKey struct {
	groupID    uint64
	commitment field.Element
}

// Store is an in-memory store.Store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	events  map[int]store.CachedEvent // keyed by LeafIndex
	pending map[pendingKey]time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:  make(map[int]store.CachedEvent),
		pending: make(map[pendingKey]time.Time),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// CheckAccessible implements store.Store.
func (s *Store) CheckAccessible(context.Context) error { return nil }

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(_ context.Context, e store.CachedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.LeafIndex]; ok {
		return nil // idempotent on LeafIndex
	}
	s.events[e.LeafIndex] = e
	return nil
}

// EventsSince implements store.Store.
func (s *Store) EventsSince(_ context.Context, block int64) ([]store.CachedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.CachedEvent
	for _, e := range s.events {
		if int64(e.BlockNumber) > block {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LeafIndex < out[j].LeafIndex
	})
	return out, nil
}

// LastCachedBlock implements store.Store.
func (s *Store) LastCachedBlock(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := int64(-1)
	for _, e := range s.events {
		if int64(e.BlockNumber) > last {
			last = int64(e.BlockNumber)
		}
	}
	return last, nil
}

// DeleteMostRecentCachedEvents implements store.Store.
func (s *Store) DeleteMostRecentCachedEvents(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]store.CachedEvent, 0, len(s.events))
	for _, e := range s.events {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].BlockNumber != all[j].BlockNumber {
			return all[i].BlockNumber > all[j].BlockNumber
		}
		return all[i].LeafIndex > all[j].LeafIndex
	})
	for i := 0; i < n && i < len(all); i++ {
		delete(s.events, all[i].LeafIndex)
	}
	return nil
}

// WipeCache implements store.Store.
func (s *Store) WipeCache(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[int]store.CachedEvent)
	return nil
}

// InsertPendingIdentity implements store.Store.
func (s *Store) InsertPendingIdentity(_ context.Context, groupID uint64, commitment field.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pendingKey{groupID, commitment}
	if _, ok := s.pending[k]; ok {
		return store.ErrDuplicateCommitment
	}
	s.pending[k] = time.Now().UTC()
	return nil
}

// PendingIdentityExists implements store.Store.
func (s *Store) PendingIdentityExists(_ context.Context, groupID uint64, commitment field.Element) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[pendingKey{groupID, commitment}]
	return ok, nil
}

// DeletePendingIdentity implements store.Store.
func (s *Store) DeletePendingIdentity(_ context.Context, groupID uint64, commitment field.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingKey{groupID, commitment})
	return nil
}

// OldestPendingIdentity implements store.Store.
func (s *Store) OldestPendingIdentity(context.Context) (*store.PendingIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.PendingIdentity
	for k, t := range s.pending {
		if best == nil || t.Before(best.InsertedAt) {
			best = &store.PendingIdentity{GroupID: k.groupID, Commitment: k.commitment, InsertedAt: t}
		}
	}
	return best, nil
}
