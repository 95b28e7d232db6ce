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

// Package treelock provides a reader/writer lock with a bounded
// acquisition timeout over the sequencer's shared Merkle tree state.
package treelock

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// ErrTimeout is returned by Read/Write when the timeout elapses before the
// lock is acquired.
var ErrTimeout = errors.New("treelock: timed out acquiring lock")

// Lock guards access to a single shared resource (the Merkle tree state)
// with a configurable acquisition timeout. A timeout on the write path is
// treated as a suspected deadlock: by default the process exits so an
// external supervisor can restart it, matching the teacher's klog.Exitf
// fatal-error convention. Tests can override that policy via WithFatal.
type Lock struct {
	mu      sync.RWMutex
	timeout time.Duration
	fatal   func(format string, args ...interface{})
}

// Option configures a Lock.
type Option func(*Lock)

// WithFatal overrides the function invoked on write-path timeout. Tests
// use this to observe the fatal path without exiting the process.
func WithFatal(f func(format string, args ...interface{})) Option {
	return func(l *Lock) { l.fatal = f }
}

// New returns a Lock with the given acquisition timeout.
func New(timeout time.Duration, opts ...Option) *Lock {
	l := &Lock{timeout: timeout, fatal: klog.Exitf}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Read runs f while holding the shared (read) lock, failing with
// ErrTimeout if it cannot be acquired within the configured timeout.
func (l *Lock) Read(ctx context.Context, f func() error) error {
	if !l.acquire(ctx, l.mu.TryRLock, l.mu.RUnlock) {
		return ErrTimeout
	}
	defer l.mu.RUnlock()
	return f()
}

// Write runs f while holding the exclusive (write) lock. A timeout here is
// fatal: the lock only guards one in-process resource with a single
// writer (the chain subscriber), so failure to acquire it within the
// timeout indicates a deadlocked holder rather than ordinary contention.
// If ctx is done before the lock is acquired, Write returns ctx.Err()
// without invoking the fatal hook.
func (l *Lock) Write(ctx context.Context, f func() error) error {
	if !l.acquire(ctx, l.mu.TryLock, l.mu.Unlock) {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.fatal("treelock: write lock timed out after %s, suspected deadlock, exiting", l.timeout)
		return ErrTimeout
	}
	defer l.mu.Unlock()
	return f()
}

// acquire polls try at a short interval until it succeeds, the timeout
// elapses, or ctx is done. The unlock argument is accepted for symmetry
// with try and is not used.
func (l *Lock) acquire(ctx context.Context, try func() bool, _ func()) bool {
	deadline := time.Now().Add(l.timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if try() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
