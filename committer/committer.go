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

// Package committer implements component E: it drains the pending queue
// in FIFO order and drives each commitment on-chain, never mutating the
// Merkle tree directly (only the chain subscriber does that).
package committer

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/chain"
	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/throttle"
	"github.com/transparency-dev/identity-sequencer/tree"
	"github.com/transparency-dev/identity-sequencer/treelock"
)

// Confirmer is the subset of *chain.Subscriber the committer depends on,
// kept as an interface so tests can fake confirmation without wiring a
// real chain subscriber.
type Confirmer interface {
	WaitForCommitment(ctx context.Context, commitment field.Element) error
}

// Config holds the committer's tunables, pulled from the configuration
// table in §6.
type Config struct {
	// PeriodicTick is the fallback wake interval when NotifyQueued is
	// never called (e.g. after a crash with rows already pending).
	PeriodicTick time.Duration
	// InitialBackoff and MaxBackoff bound the exponential retry delay
	// after a failed submission (§7: transient chain errors are retried,
	// never surfaced to the caller of insert_identity).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Committer is component E.
type Committer struct {
	store    store.Store
	chainMgr chain.IdentityManager
	state    *tree.State
	lock     *treelock.Lock
	confirm  Confirmer
	throttle *throttle.Throttle
	cfg      Config

	wake chan struct{}
}

// New constructs a Committer. th may be nil (see package throttle).
func New(s store.Store, c chain.IdentityManager, state *tree.State, lock *treelock.Lock, confirm Confirmer, th *throttle.Throttle, cfg Config) *Committer {
	return &Committer{
		store:    s,
		chainMgr: c,
		state:    state,
		lock:     lock,
		confirm:  confirm,
		throttle: th,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// NotifyQueued wakes the committer loop. Multiple calls before the
// committer next wakes coalesce into a single wake.
func (c *Committer) NotifyQueued() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drains the pending queue until ctx is done.
func (c *Committer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PeriodicTick)
	defer ticker.Stop()

	for {
		drained, err := c.drainOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			klog.Errorf("committer: %v", err)
		}
		if drained {
			continue // more may be queued; check again immediately.
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// drainOnce submits the single oldest pending identity, if any, and
// reports whether it found one to process.
func (c *Committer) drainOnce(ctx context.Context) (bool, error) {
	pending, err := c.store.OldestPendingIdentity(ctx)
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}

	if c.throttle != nil {
		if err := c.throttle.WaitAllow(ctx); err != nil {
			return false, err
		}
	}

	// Peek next_leaf under a read lock purely for observability; the
	// committer never mutates the tree from this value (§4.E step 3 —
	// only the chain subscriber calls state.Set).
	var nextLeaf int
	if err := c.lock.Read(ctx, func() error { nextLeaf = c.state.NextLeaf; return nil }); err != nil {
		return false, err
	}
	klog.V(1).Infof("committer: submitting commitment %s, current next_leaf %d", pending.Commitment.Hex(), nextLeaf)

	if err := c.submitWithBackoff(ctx, pending.Commitment); err != nil {
		return false, err
	}

	if err := c.confirm.WaitForCommitment(ctx, pending.Commitment); err != nil {
		return false, err
	}
	return true, nil
}

// submitWithBackoff retries SubmitInsertion with exponential, bounded
// backoff. Submission failures are transient chain errors (§7) and are
// retried indefinitely rather than surfaced past this loop; only ctx
// cancellation aborts early.
func (c *Committer) submitWithBackoff(ctx context.Context, commitment field.Element) error {
	delay := c.cfg.InitialBackoff
	for {
		_, err := c.chainMgr.SubmitInsertion(ctx, commitment)
		if err == nil {
			return nil
		}
		klog.Warningf("committer: submit %s failed, retrying in %s: %v", commitment.Hex(), delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
}
