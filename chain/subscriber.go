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

package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/tree"
	"github.com/transparency-dev/identity-sequencer/treelock"
)

// ErrInterrupted is returned by LoadInitialEvents when ctx is canceled
// before the initial sync completes.
var ErrInterrupted = errors.New("chain: startup interrupted by shutdown")

// SubscriberConfig holds component D's tunables, pulled from the
// configuration table in §6.
type SubscriberConfig struct {
	StartingBlock           uint64
	ConfirmationBlocksDelay uint64
	RefreshRate             time.Duration
	CacheRecoveryStepSize   int
}

// Subscriber is component D: it keeps the Merkle tree state equal to the
// contract's tree by replaying the cache, catching up from the chain, and
// then polling indefinitely. It is the tree's only writer.
type Subscriber struct {
	store  store.Store
	chain  IdentityManager
	state  *tree.State
	lock   *treelock.Lock
	cfg    SubscriberConfig
	fatal  func(format string, args ...interface{})

	// OnConfirmed, if set, is invoked (outside any lock) once per leaf
	// applied to state during Catch-up or Watch. It backs the
	// observational WebSocket feed in §4.F´ and is never on D's critical
	// path: a slow or blocked receiver must not stall the subscriber, so
	// callers are expected to send non-blockingly.
	OnConfirmed func(leafIndex int, leafValue, root field.Element)

	mu       sync.Mutex
	waiters  map[field.Element][]chan struct{}
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithFatal overrides the function invoked when a root mismatch is
// observed during the Watch phase. Tests use this to observe the fatal
// path without exiting the process.
func WithFatal(f func(format string, args ...interface{})) SubscriberOption {
	return func(s *Subscriber) { s.fatal = f }
}

// NewSubscriber constructs a Subscriber. state must be the same State
// instance shared with the committer and query surface, guarded by lock.
func NewSubscriber(s store.Store, c IdentityManager, state *tree.State, lock *treelock.Lock, cfg SubscriberConfig, opts ...SubscriberOption) *Subscriber {
	sub := &Subscriber{
		store:   s,
		chain:   c,
		state:   state,
		lock:    lock,
		cfg:     cfg,
		fatal:   klog.Exitf,
		waiters: make(map[field.Element][]chan struct{}),
	}
	for _, o := range opts {
		o(sub)
	}
	return sub
}

// WaitForCommitment blocks until commitment has been applied to the tree
// by this subscriber, or ctx is done. It is how the committer learns that
// its submission has landed, since batching may reorder leaf indices
// across a batch but never the commitment identity.
func (s *Subscriber) WaitForCommitment(ctx context.Context, commitment field.Element) error {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[commitment] = append(s.waiters[commitment], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) notifyWaiters(commitment field.Element) {
	s.mu.Lock()
	chans := s.waiters[commitment]
	delete(s.waiters, commitment)
	s.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// LoadInitialEvents runs the startup recovery protocol (§4.D): Replay
// then Catch-up, retrying up to twice with progressive cache
// invalidation on root mismatch, failing after a third mismatch. It races
// ctx: a cancellation before completion returns ErrInterrupted with no
// partial state observable to callers beyond what was already committed
// to the store.
func (s *Subscriber) LoadInitialEvents(ctx context.Context) error {
	mismatchCount := 0
	for {
		select {
		case <-ctx.Done():
			return ErrInterrupted
		default:
		}

		if mismatchCount == 1 {
			if err := s.store.DeleteMostRecentCachedEvents(ctx, s.cfg.CacheRecoveryStepSize); err != nil {
				return fmt.Errorf("chain: cache recovery step 1: %w", err)
			}
		}
		if mismatchCount == 2 {
			if err := s.store.WipeCache(ctx); err != nil {
				return fmt.Errorf("chain: cache recovery step 2 (wipe): %w", err)
			}
		}
		if mismatchCount >= 3 {
			return fmt.Errorf("chain: %w after %d recovery attempts", &RootMismatchError{}, mismatchCount)
		}

		err := s.processInitialEvents(ctx)
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		var rm *RootMismatchError
		switch {
		case errors.As(err, &rm):
			s.lock.Write(ctx, func() error { s.state.Reset(); return nil }) //nolint:errcheck // Reset cannot fail.
			mismatchCount++
			continue
		case err != nil:
			return err
		}

		return s.chain.AssertValidRoot(ctx, s.state.Tree.Root())
	}
}

// processInitialEvents runs Replay then Catch-up once.
func (s *Subscriber) processInitialEvents(ctx context.Context) error {
	if err := s.replay(ctx); err != nil {
		return err
	}
	_, err := s.catchUp(ctx, maxUint64(s.lastAppliedBlock(), s.cfg.StartingBlock))
	return err
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func (s *Subscriber) lastAppliedBlock() uint64 {
	last, err := s.store.LastCachedBlock(context.Background())
	if err != nil || last < 0 {
		return 0
	}
	return uint64(last)
}

// replay applies every cached event, in order, to the tree under the
// write lock. Afterwards the tree's root must equal the last cached
// root_after.
func (s *Subscriber) replay(ctx context.Context) error {
	events, err := s.store.EventsSince(ctx, -1)
	if err != nil {
		return fmt.Errorf("chain: replay: read cache: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	return s.lock.Write(ctx, func() error {
		for _, e := range events {
			if err := s.state.Set(e.LeafIndex, e.LeafValue); err != nil {
				return fmt.Errorf("chain: replay: apply leaf %d: %w", e.LeafIndex, err)
			}
		}
		last := events[len(events)-1]
		if s.state.Tree.Root() != last.RootAfter {
			return &RootMismatchError{Root: s.state.Tree.Root()}
		}
		return nil
	})
}

// catchUp fetches confirmed on-chain events after fromBlock and applies
// each to the cache then the tree, verifying the root after every leaf.
// It returns the highest block number it observed.
func (s *Subscriber) catchUp(ctx context.Context, fromBlock uint64) (uint64, error) {
	cursor := fromBlock
	for {
		insertions, newCursor, err := s.chain.ConfirmedInsertions(ctx, cursor, s.cfg.ConfirmationBlocksDelay)
		if err != nil {
			return cursor, fmt.Errorf("chain: catch-up: %w", err)
		}
		if len(insertions) == 0 {
			return newCursor, nil
		}
		for _, ins := range insertions {
			if err := s.applyConfirmed(ctx, ins); err != nil {
				return cursor, err
			}
		}
		cursor = newCursor
		latest, err := s.chain.LatestBlock(ctx)
		if err != nil {
			return cursor, fmt.Errorf("chain: catch-up: %w", err)
		}
		if cursor+s.cfg.ConfirmationBlocksDelay >= latest {
			return cursor, nil
		}
	}
}

// applyConfirmed appends a single confirmed event to the cache, applies
// it to the tree, verifies the resulting root, removes any matching
// pending row, and wakes any committer waiting on this commitment.
func (s *Subscriber) applyConfirmed(ctx context.Context, ins LeafInsertion) error {
	if err := s.store.AppendEvent(ctx, store.CachedEvent{
		BlockNumber: ins.BlockNumber,
		LeafIndex:   ins.LeafIndex,
		LeafValue:   ins.LeafValue,
		RootAfter:   ins.RootAfter,
	}); err != nil {
		return fmt.Errorf("chain: append event: %w", err)
	}

	var mismatch error
	err := s.lock.Write(ctx, func() error {
		if err := s.state.Set(ins.LeafIndex, ins.LeafValue); err != nil {
			return err
		}
		if s.state.Tree.Root() != ins.RootAfter {
			mismatch = &RootMismatchError{Root: s.state.Tree.Root()}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if mismatch != nil {
		return mismatch
	}

	if err := s.store.DeletePendingIdentity(ctx, s.chain.GroupID(), ins.LeafValue); err != nil {
		klog.Errorf("chain: delete pending identity for confirmed leaf %d: %v", ins.LeafIndex, err)
	}
	s.notifyWaiters(ins.LeafValue)
	if s.OnConfirmed != nil {
		s.OnConfirmed(ins.LeafIndex, ins.LeafValue, ins.RootAfter)
	}
	return nil
}

// Run is the Watch phase: it polls the chain at cfg.RefreshRate,
// extending Catch-up indefinitely, until ctx is done. A root mismatch
// observed here (as opposed to during startup) is treated as fatal: the
// only path back to a known-good state is the startup recovery protocol,
// so the process exits for a supervisor to restart it.
func (s *Subscriber) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(s.cfg.RefreshRate), 1)
	cursor := s.lastAppliedBlock()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil // context canceled: clean shutdown.
		}
		newCursor, err := s.catchUp(ctx, cursor)
		if err != nil {
			var rm *RootMismatchError
			if errors.As(err, &rm) {
				s.fatal("chain: root mismatch during watch phase: %v", err)
				return err
			}
			klog.Warningf("chain: watch poll failed, will retry: %v", err)
			continue
		}
		cursor = newCursor
	}
}
