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

// Package chain implements component C (the chain adapter / identity
// manager) and component D (the chain subscriber) against an Ethereum
// node running a Semaphore-style identity contract.
package chain

import (
	"context"

	"github.com/transparency-dev/identity-sequencer/field"
)

// LeafInsertion is a single confirmed on-chain leaf-insertion event.
type LeafInsertion struct {
	BlockNumber uint64
	LeafIndex   int
	LeafValue   field.Element
	RootAfter   field.Element
}

// PendingTx identifies a submitted, not-yet-confirmed transaction.
type PendingTx struct {
	TxHash     string
	Commitment field.Element
}

// RootMismatchError is returned by AssertValidRoot when root is neither
// the contract's current root nor any root within its retention window.
type RootMismatchError struct {
	Root field.Element
}

func (e *RootMismatchError) Error() string {
	return "chain: root " + e.Root.Hex() + " does not match any valid on-chain root"
}

// IdentityManager is component C: the chain adapter. Submission is
// one commitment per transaction (§9 leaves batching semantics
// unspecified, so no batching strategy is implemented).
type IdentityManager interface {
	// GroupID is the single group identifier this instance serves.
	GroupID() uint64
	// TreeDepth is the contract's configured depth; the accumulator's
	// own depth (tree.Tree.Depth) is always TreeDepth()+1.
	TreeDepth() int
	// InitialLeafValue is the value held by every unset slot.
	InitialLeafValue() field.Element

	// AssertValidRoot succeeds iff root is the contract's current root or
	// a historically valid root still within its retention window.
	AssertValidRoot(ctx context.Context, root field.Element) error

	// SubmitInsertion submits commitment for inclusion. It returns once
	// the transaction has been broadcast, not once it is confirmed: the
	// caller learns of confirmation only via ConfirmedInsertions.
	SubmitInsertion(ctx context.Context, commitment field.Element) (PendingTx, error)

	// ConfirmedInsertions streams leaf-insertion events observed between
	// fromBlock (exclusive) and the chain's current head, minus
	// confirmationBlocksDelay. It does not block past the current head;
	// repeated polling is the caller's responsibility (see Subscriber).
	ConfirmedInsertions(ctx context.Context, fromBlock uint64, confirmationBlocksDelay uint64) ([]LeafInsertion, uint64, error)

	// LatestBlock returns the chain's current block height.
	LatestBlock(ctx context.Context) (uint64, error)
}
