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

package server

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/transparency-dev/identity-sequencer/chain"
	"github.com/transparency-dev/identity-sequencer/field"
	serrors "github.com/transparency-dev/identity-sequencer/server/errors"
	"github.com/transparency-dev/identity-sequencer/store/memstore"
	"github.com/transparency-dev/identity-sequencer/tree"
	"github.com/transparency-dev/identity-sequencer/treelock"
)

const groupID = 1

type fakeNotifier struct{ notified int }

func (n *fakeNotifier) NotifyQueued() { n.notified++ }

// fakeChainMgr is a minimal chain.IdentityManager for query tests; only
// AssertValidRoot is exercised.
type fakeChainMgr struct {
	rootErr error
}

func (f *fakeChainMgr) GroupID() uint64                { return groupID }
func (f *fakeChainMgr) TreeDepth() int                 { return 4 }
func (f *fakeChainMgr) InitialLeafValue() field.Element { return field.Zero }
func (f *fakeChainMgr) LatestBlock(context.Context) (uint64, error) { return 0, nil }
func (f *fakeChainMgr) AssertValidRoot(context.Context, field.Element) error { return f.rootErr }
func (f *fakeChainMgr) SubmitInsertion(context.Context, field.Element) (chain.PendingTx, error) {
	return chain.PendingTx{}, nil
}
func (f *fakeChainMgr) ConfirmedInsertions(context.Context, uint64, uint64) ([]chain.LeafInsertion, uint64, error) {
	return nil, 0, nil
}

func newTestQuery(t *testing.T, cm *fakeChainMgr) (*Query, *tree.State, *fakeNotifier) {
	t.Helper()
	s := memstore.New()
	state := tree.NewState(4, tree.PoseidonHasher{}, field.Zero)
	lock := treelock.New(time.Second)
	notifier := &fakeNotifier{}
	return New(s, cm, state, lock, notifier, groupID), state, notifier
}

func elem(n int64) field.Element { return field.FromBigInt(big.NewInt(n)) }

func codeOf(t *testing.T, err error) codes.Code {
	t.Helper()
	s, ok := status.FromError(serrors.WrapError(err))
	if !ok {
		t.Fatalf("error %v is not a grpc status error", err)
	}
	return s.Code()
}

func TestInsertIdentityRejectsWrongGroup(t *testing.T) {
	q, _, _ := newTestQuery(t, &fakeChainMgr{})
	err := q.InsertIdentity(context.Background(), groupID+1, elem(5))
	if codeOf(t, err) != codes.InvalidArgument {
		t.Fatalf("InsertIdentity wrong group: code = %v, want InvalidArgument", codeOf(t, err))
	}
}

func TestInsertIdentityRejectsInitialLeaf(t *testing.T) {
	q, _, _ := newTestQuery(t, &fakeChainMgr{})
	err := q.InsertIdentity(context.Background(), groupID, field.Zero)
	if codeOf(t, err) != codes.InvalidArgument {
		t.Fatalf("InsertIdentity initial leaf: code = %v, want InvalidArgument", codeOf(t, err))
	}
}

func TestInsertIdentityRejectsUnreducedCommitment(t *testing.T) {
	q, _, _ := newTestQuery(t, &fakeChainMgr{})
	tooBig := field.FromBigInt(field.Modulus) // == p, not reduced.
	err := q.InsertIdentity(context.Background(), groupID, tooBig)
	if codeOf(t, err) != codes.InvalidArgument {
		t.Fatalf("InsertIdentity unreduced: code = %v, want InvalidArgument", codeOf(t, err))
	}
}

func TestInsertIdentitySucceedsAndNotifies(t *testing.T) {
	q, _, notifier := newTestQuery(t, &fakeChainMgr{})
	if err := q.InsertIdentity(context.Background(), groupID, elem(9)); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}
	if notifier.notified != 1 {
		t.Fatalf("notified = %d, want 1", notifier.notified)
	}
}

func TestInsertIdentityRejectsDuplicatePending(t *testing.T) {
	q, _, _ := newTestQuery(t, &fakeChainMgr{})
	ctx := context.Background()
	if err := q.InsertIdentity(ctx, groupID, elem(9)); err != nil {
		t.Fatalf("first InsertIdentity: %v", err)
	}
	err := q.InsertIdentity(ctx, groupID, elem(9))
	if codeOf(t, err) != codes.AlreadyExists {
		t.Fatalf("duplicate InsertIdentity: code = %v, want AlreadyExists", codeOf(t, err))
	}
}

func TestInsertIdentityRejectsDuplicateCommitted(t *testing.T) {
	q, state, _ := newTestQuery(t, &fakeChainMgr{})
	if err := state.Set(0, elem(9)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err := q.InsertIdentity(context.Background(), groupID, elem(9))
	if codeOf(t, err) != codes.AlreadyExists {
		t.Fatalf("InsertIdentity for already-committed commitment: code = %v, want AlreadyExists", codeOf(t, err))
	}
}

func TestInclusionProofReturnsNotFoundForUnknownCommitment(t *testing.T) {
	q, _, _ := newTestQuery(t, &fakeChainMgr{})
	status, proof, err := q.InclusionProof(context.Background(), groupID, elem(123))
	if status != NotFound || proof != nil {
		t.Fatalf("InclusionProof unknown = (%v, %v), want (NotFound, nil)", status, proof)
	}
	if !errors.Is(err, serrors.ErrIdentityNotFound) {
		t.Fatalf("err = %v, want ErrIdentityNotFound", err)
	}
}

func TestInclusionProofReturnsPendingForQueuedCommitment(t *testing.T) {
	q, _, _ := newTestQuery(t, &fakeChainMgr{})
	ctx := context.Background()
	if err := q.InsertIdentity(ctx, groupID, elem(9)); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}
	status, proof, err := q.InclusionProof(ctx, groupID, elem(9))
	if err != nil {
		t.Fatalf("InclusionProof: %v", err)
	}
	if status != Pending || proof != nil {
		t.Fatalf("InclusionProof pending = (%v, %v), want (Pending, nil)", status, proof)
	}
}

func TestInclusionProofReturnsCommittedProofThatVerifies(t *testing.T) {
	q, state, _ := newTestQuery(t, &fakeChainMgr{})
	if err := state.Set(3, elem(77)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	status, proof, err := q.InclusionProof(context.Background(), groupID, elem(77))
	if err != nil {
		t.Fatalf("InclusionProof: %v", err)
	}
	if status != Committed || proof == nil {
		t.Fatalf("InclusionProof committed = (%v, %v), want (Committed, non-nil)", status, proof)
	}
	if !state.Tree.Verify(elem(77), proof.Path, proof.Root) {
		t.Fatal("returned proof does not verify against returned root")
	}
}

func TestInclusionProofReturnsRootMismatchWhenChainDisagrees(t *testing.T) {
	q, state, _ := newTestQuery(t, &fakeChainMgr{rootErr: errors.New("simulated mismatch")})
	if err := state.Set(0, elem(7)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, _, err := q.InclusionProof(context.Background(), groupID, elem(7))
	if !errors.Is(err, serrors.ErrRootMismatch) {
		t.Fatalf("err = %v, want ErrRootMismatch", err)
	}
}
