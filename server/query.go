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

// Package server implements component F (the query surface) and F´ (the
// WebSocket confirmation feed): the only part of the core that talks
// HTTP. Core logic never imports net/http directly outside this package.
package server

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/chain"
	"github.com/transparency-dev/identity-sequencer/field"
	serrors "github.com/transparency-dev/identity-sequencer/server/errors"
	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/tree"
	"github.com/transparency-dev/identity-sequencer/treelock"
)

// Notifier wakes the committer after a new identity is queued.
type Notifier interface {
	NotifyQueued()
}

// Query is component F. It never mutates the tree: it only reads under
// the shared lock and writes pending rows to the store.
type Query struct {
	store    store.Store
	chainMgr chain.IdentityManager
	state    *tree.State
	lock     *treelock.Lock
	notify   Notifier
	groupID  uint64
}

// New constructs a Query bound to the configured group.
func New(s store.Store, c chain.IdentityManager, state *tree.State, lock *treelock.Lock, notify Notifier, groupID uint64) *Query {
	return &Query{store: s, chainMgr: c, state: state, lock: lock, notify: notify, groupID: groupID}
}

// InclusionStatus distinguishes the three outcomes of InclusionProof.
type InclusionStatus int

const (
	// Committed means Proof is populated and verified.
	Committed InclusionStatus = iota
	// Pending means the commitment is queued but not yet on-chain.
	Pending
	// NotFound means the commitment is unknown to this service.
	NotFound
)

// Proof is the response payload for a committed inclusion proof.
type Proof struct {
	Root  field.Element
	Path  tree.Proof
}

// validateGroupAndInitialLeaf performs the group and initial-leaf checks
// shared by both operations.
func (q *Query) validateGroupAndInitialLeaf(groupID uint64, commitment field.Element) error {
	if groupID != q.groupID {
		return serrors.ErrInvalidGroupID
	}
	if commitment == q.state.Tree.InitialLeaf() {
		return serrors.ErrInvalidCommitment
	}
	return nil
}

// validateCommon additionally rejects an unreduced commitment. Only
// insert_identity applies this extra check (§4.F step 1); inclusion_proof
// validates group and initial-leaf only and otherwise falls through to
// IdentityCommitmentNotFound, matching the original.
func (q *Query) validateCommon(groupID uint64, commitment field.Element) error {
	if err := q.validateGroupAndInitialLeaf(groupID, commitment); err != nil {
		return err
	}
	if !field.InRange(commitment.BigInt()) {
		return serrors.ErrUnreducedCommitment
	}
	return nil
}

// InsertIdentity implements §4.F insert_identity.
func (q *Query) InsertIdentity(ctx context.Context, groupID uint64, commitment field.Element) error {
	if err := q.validateCommon(groupID, commitment); err != nil {
		return err
	}

	var duplicate bool
	err := q.lock.Read(ctx, func() error {
		_, found := q.state.IndexOf(commitment)
		duplicate = found
		return nil
	})
	if err != nil {
		return serrors.WrapError(err)
	}
	if duplicate {
		return serrors.ErrDuplicateCommitment
	}

	exists, err := q.store.PendingIdentityExists(ctx, groupID, commitment)
	if err != nil {
		return serrors.WrapError(err)
	}
	if exists {
		return serrors.ErrDuplicateCommitment
	}

	if err := q.store.InsertPendingIdentity(ctx, groupID, commitment); err != nil {
		return serrors.WrapError(err)
	}
	q.notify.NotifyQueued()
	return nil
}

// InclusionProof implements §4.F inclusion_proof.
func (q *Query) InclusionProof(ctx context.Context, groupID uint64, commitment field.Element) (InclusionStatus, *Proof, error) {
	if err := q.validateGroupAndInitialLeaf(groupID, commitment); err != nil {
		return NotFound, nil, err
	}

	var (
		index int
		found bool
		proof tree.Proof
		root  field.Element
	)
	err := q.lock.Read(ctx, func() error {
		index, found = q.state.IndexOf(commitment)
		if !found {
			return nil
		}
		var perr error
		proof, perr = q.state.Tree.Proof(index)
		if perr != nil {
			return perr
		}
		root = q.state.Tree.Root()
		if !q.state.Tree.Verify(commitment, proof, root) {
			// A local proof failing to verify against the local root is a
			// programming error: continuing risks serving an incorrect
			// proof, so this terminates the process (§7).
			klog.Exitf("server: local inclusion proof for commitment %s at index %d failed to verify against root %s", commitment.Hex(), index, root.Hex())
		}
		return nil
	})
	if err != nil {
		return NotFound, nil, serrors.WrapError(err)
	}

	if found {
		if err := q.chainMgr.AssertValidRoot(ctx, root); err != nil {
			return NotFound, nil, serrors.ErrRootMismatch
		}
		return Committed, &Proof{Root: root, Path: proof}, nil
	}

	pending, err := q.store.PendingIdentityExists(ctx, groupID, commitment)
	if err != nil {
		return NotFound, nil, serrors.WrapError(err)
	}
	if pending {
		return Pending, nil, nil
	}
	return NotFound, nil, serrors.ErrIdentityNotFound
}
