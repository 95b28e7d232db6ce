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

// Package store defines the persistent event cache and pending-identity
// queue (component A), and the errors a Store implementation reports.
// Concrete backends live in store/mysql and store/postgres.
package store

import (
	"context"
	"time"

	"github.com/transparency-dev/identity-sequencer/field"
)

// CachedEvent is a replayable projection of one confirmed on-chain
// leaf-insertion event.
type CachedEvent struct {
	BlockNumber uint64
	LeafIndex   int
	LeafValue   field.Element
	RootAfter   field.Element
}

// PendingIdentity is a commitment accepted by the query surface but not
// yet observed on-chain.
type PendingIdentity struct {
	GroupID    uint64
	Commitment field.Element
	InsertedAt time.Time
}

// Store is the durable event cache and pending-identity queue. Every
// method runs as a single logical transaction; append_event and
// insert_pending_identity survive a process crash once they return nil,
// and subsequent reads observe all writes that returned success.
type Store interface {
	// AppendEvent records a confirmed leaf-insertion event. It is
	// idempotent on LeafIndex: re-appending the same index with the same
	// fields is a no-op success.
	AppendEvent(ctx context.Context, e CachedEvent) error

	// EventsSince returns cached events with BlockNumber > block, ordered
	// by (BlockNumber, LeafIndex).
	EventsSince(ctx context.Context, block int64) ([]CachedEvent, error)

	// LastCachedBlock returns the highest BlockNumber cached, or -1 if the
	// cache is empty.
	LastCachedBlock(ctx context.Context) (int64, error)

	// DeleteMostRecentCachedEvents removes the n cached events with the
	// highest BlockNumber (ties broken by LeafIndex, highest first).
	DeleteMostRecentCachedEvents(ctx context.Context, n int) error

	// WipeCache removes every cached event. Pending identities are
	// preserved.
	WipeCache(ctx context.Context) error

	// InsertPendingIdentity records a new pending commitment. Returns
	// ErrDuplicateCommitment if one already exists for (groupID, commitment).
	InsertPendingIdentity(ctx context.Context, groupID uint64, commitment field.Element) error

	// PendingIdentityExists reports whether (groupID, commitment) is
	// currently pending.
	PendingIdentityExists(ctx context.Context, groupID uint64, commitment field.Element) (bool, error)

	// DeletePendingIdentity removes a pending row once its commitment has
	// been observed on-chain. Deleting a row that does not exist is a
	// no-op success.
	DeletePendingIdentity(ctx context.Context, groupID uint64, commitment field.Element) error

	// OldestPendingIdentity returns the pending identity with the lowest
	// InsertedAt, or (nil, nil) if the queue is empty.
	OldestPendingIdentity(ctx context.Context) (*PendingIdentity, error)

	// CheckAccessible reports whether the backing store can currently be
	// reached (used by the /healthz liveness probe).
	CheckAccessible(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Sentinel errors returned by Store implementations. ErrDuplicateCommitment
// is the only one: backends detect an existing pending row themselves and
// return it. A missing row is reported through each method's own result
// (false, nil, or -1); any other driver error is returned as-is.
var (
	// ErrDuplicateCommitment is returned by InsertPendingIdentity when the
	// (groupID, commitment) pair already exists.
	ErrDuplicateCommitment = &storeError{"store: duplicate commitment"}
)

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }
