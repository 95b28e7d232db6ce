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

package committer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/transparency-dev/identity-sequencer/chain"
	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/store/memstore"
	"github.com/transparency-dev/identity-sequencer/tree"
	"github.com/transparency-dev/identity-sequencer/treelock"
)

// fakeChain is a minimal chain.IdentityManager fake that records
// submissions and can be configured to fail a fixed number of times.
type fakeChain struct {
	mu           sync.Mutex
	failuresLeft int
	submitted    []field.Element
}

func (f *fakeChain) GroupID() uint64                     { return 1 }
func (f *fakeChain) TreeDepth() int                       { return 4 }
func (f *fakeChain) InitialLeafValue() field.Element      { return field.Zero }
func (f *fakeChain) AssertValidRoot(context.Context, field.Element) error { return nil }
func (f *fakeChain) LatestBlock(context.Context) (uint64, error)          { return 0, nil }
func (f *fakeChain) ConfirmedInsertions(context.Context, uint64, uint64) ([]chain.LeafInsertion, uint64, error) {
	return nil, 0, nil
}

func (f *fakeChain) SubmitInsertion(ctx context.Context, commitment field.Element) (chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return chain.PendingTx{}, errors.New("fakeChain: simulated transient RPC error")
	}
	f.submitted = append(f.submitted, commitment)
	return chain.PendingTx{TxHash: "0xdead", Commitment: commitment}, nil
}

func (f *fakeChain) submissions() []field.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]field.Element, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// fakeConfirmer always confirms immediately and records which
// commitments it was asked to wait for.
type fakeConfirmer struct {
	mu     sync.Mutex
	waited []field.Element
}

func (f *fakeConfirmer) WaitForCommitment(ctx context.Context, commitment field.Element) error {
	f.mu.Lock()
	f.waited = append(f.waited, commitment)
	f.mu.Unlock()
	return nil
}

func newTestCommitter(t *testing.T, c *fakeChain, confirm *fakeConfirmer) (*Committer, store.Store) {
	t.Helper()
	s := memstore.New()
	state := tree.NewState(4, tree.PoseidonHasher{}, field.Zero)
	lock := treelock.New(time.Second)
	cfg := Config{PeriodicTick: 50 * time.Millisecond, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	return New(s, c, state, lock, confirm, nil, cfg), s
}

func TestDrainOnceSubmitsOldestPendingAndWaitsForConfirmation(t *testing.T) {
	ctx := context.Background()
	c := &fakeChain{}
	confirm := &fakeConfirmer{}
	committer, s := newTestCommitter(t, c, confirm)

	want := field.FromBigInt(big.NewInt(42))
	if err := s.InsertPendingIdentity(ctx, 1, want); err != nil {
		t.Fatalf("InsertPendingIdentity: %v", err)
	}

	drained, err := committer.drainOnce(ctx)
	if err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if !drained {
		t.Fatal("drainOnce returned drained=false, want true")
	}

	if got := c.submissions(); len(got) != 1 || got[0] != want {
		t.Fatalf("submissions = %v, want [%v]", got, want)
	}
	if len(confirm.waited) != 1 || confirm.waited[0] != want {
		t.Fatalf("waited = %v, want [%v]", confirm.waited, want)
	}
}

func TestDrainOnceWithEmptyQueueReturnsFalse(t *testing.T) {
	c := &fakeChain{}
	confirm := &fakeConfirmer{}
	committer, _ := newTestCommitter(t, c, confirm)

	drained, err := committer.drainOnce(context.Background())
	if err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if drained {
		t.Fatal("drainOnce returned drained=true on an empty queue")
	}
}

func TestSubmitWithBackoffRetriesOnTransientError(t *testing.T) {
	ctx := context.Background()
	c := &fakeChain{failuresLeft: 2}
	confirm := &fakeConfirmer{}
	committer, _ := newTestCommitter(t, c, confirm)

	commitment := field.FromBigInt(big.NewInt(7))
	if err := committer.submitWithBackoff(ctx, commitment); err != nil {
		t.Fatalf("submitWithBackoff: %v", err)
	}
	if got := c.submissions(); len(got) != 1 || got[0] != commitment {
		t.Fatalf("submissions after retries = %v, want [%v]", got, commitment)
	}
}

func TestSubmitWithBackoffAbortsOnContextCancellation(t *testing.T) {
	c := &fakeChain{failuresLeft: 1000}
	confirm := &fakeConfirmer{}
	committer, _ := newTestCommitter(t, c, confirm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := committer.submitWithBackoff(ctx, field.Zero)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("submitWithBackoff on canceled ctx = %v, want context.Canceled", err)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	c := &fakeChain{}
	confirm := &fakeConfirmer{}
	committer, _ := newTestCommitter(t, c, confirm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- committer.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
