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

// Package storetest is a backend-agnostic conformance suite for
// store.Store implementations, in the spirit of the teacher's own
// storage/testonly helpers shared across its MySQL and PostgreSQL tests.
package storetest

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/store"
)

func elem(i int64) field.Element {
	return field.FromBigInt(big.NewInt(i))
}

// RunConformance exercises every operation store.Store promises. newStore
// must return a freshly created, empty store each time it is called, so
// that sub-tests never observe each other's state — the same isolation
// the teacher's MySQL/PostgreSQL suites get from recreating their test
// database per TestXxx.
func RunConformance(t *testing.T, ctx context.Context, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("EmptyCacheHasNoLastBlock", func(t *testing.T) {
		s := newStore(t)
		last, err := s.LastCachedBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), last)
	})

	t.Run("AppendEventIsIdempotentOnLeafIndex", func(t *testing.T) {
		s := newStore(t)
		e := store.CachedEvent{BlockNumber: 10, LeafIndex: 0, LeafValue: elem(1), RootAfter: elem(2)}
		require.NoError(t, s.AppendEvent(ctx, e))
		require.NoError(t, s.AppendEvent(ctx, e))

		events, err := s.EventsSince(ctx, -1)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("EventsSinceOrdersByBlockThenLeafIndex", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendEvent(ctx, store.CachedEvent{BlockNumber: 5, LeafIndex: 1, LeafValue: elem(1), RootAfter: elem(1)}))
		require.NoError(t, s.AppendEvent(ctx, store.CachedEvent{BlockNumber: 5, LeafIndex: 0, LeafValue: elem(0), RootAfter: elem(0)}))
		require.NoError(t, s.AppendEvent(ctx, store.CachedEvent{BlockNumber: 6, LeafIndex: 2, LeafValue: elem(2), RootAfter: elem(2)}))

		events, err := s.EventsSince(ctx, -1)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, 0, events[0].LeafIndex)
		assert.Equal(t, 1, events[1].LeafIndex)
		assert.Equal(t, 2, events[2].LeafIndex)

		last, err := s.LastCachedBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), last)
	})

	t.Run("DeleteMostRecentCachedEventsRemovesHighestBlocks", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendEvent(ctx, store.CachedEvent{BlockNumber: uint64(i), LeafIndex: i, LeafValue: elem(int64(i)), RootAfter: elem(int64(i))}))
		}
		require.NoError(t, s.DeleteMostRecentCachedEvents(ctx, 1))
		events, err := s.EventsSince(ctx, -1)
		require.NoError(t, err)
		assert.Len(t, events, 2)
		for _, e := range events {
			assert.NotEqual(t, 2, e.LeafIndex)
		}
	})

	t.Run("WipeCachePreservesPendingIdentities", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendEvent(ctx, store.CachedEvent{BlockNumber: 1, LeafIndex: 0, LeafValue: elem(1), RootAfter: elem(1)}))
		require.NoError(t, s.InsertPendingIdentity(ctx, 1, elem(99)))

		require.NoError(t, s.WipeCache(ctx))

		events, err := s.EventsSince(ctx, -1)
		require.NoError(t, err)
		assert.Empty(t, events)

		exists, err := s.PendingIdentityExists(ctx, 1, elem(99))
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("InsertPendingIdentityRejectsDuplicate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertPendingIdentity(ctx, 1, elem(7)))
		err := s.InsertPendingIdentity(ctx, 1, elem(7))
		assert.ErrorIs(t, err, store.ErrDuplicateCommitment)
	})

	t.Run("DeletePendingIdentityIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.DeletePendingIdentity(ctx, 1, elem(123)))
	})

	t.Run("OldestPendingIdentityIsFIFO", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertPendingIdentity(ctx, 1, elem(1)))
		require.NoError(t, s.InsertPendingIdentity(ctx, 1, elem(2)))

		oldest, err := s.OldestPendingIdentity(ctx)
		require.NoError(t, err)
		require.NotNil(t, oldest)
		assert.Equal(t, elem(1), oldest.Commitment)
	})
}
