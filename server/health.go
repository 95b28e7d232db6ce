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
	"fmt"
	"sync"
	"time"

	"github.com/transparency-dev/identity-sequencer/store"
)

// Health backs GET /healthz: liveness is the store being reachable and
// the chain subscriber having polled recently.
type Health struct {
	store      store.Store
	maxPollAge time.Duration

	mu           sync.Mutex
	lastPollTime time.Time
}

// NewHealth constructs a Health checker. maxPollAge bounds how long ago
// the last successful Watch-phase poll may have been before the service
// reports unhealthy.
func NewHealth(s store.Store, maxPollAge time.Duration) *Health {
	return &Health{store: s, maxPollAge: maxPollAge}
}

// RecordPoll marks that the chain subscriber successfully polled just
// now. Called from the subscriber's OnConfirmed hook (see app.New).
func (h *Health) RecordPoll(t time.Time) {
	h.mu.Lock()
	h.lastPollTime = t
	h.mu.Unlock()
}

// Check reports a non-nil error if the service should be considered
// unhealthy.
func (h *Health) Check(ctx context.Context) error {
	if err := h.store.CheckAccessible(ctx); err != nil {
		return fmt.Errorf("server: store unreachable: %w", err)
	}

	h.mu.Lock()
	last := h.lastPollTime
	h.mu.Unlock()
	if last.IsZero() {
		return nil // not yet polled once; treated as healthy during startup.
	}
	if age := time.Since(last); age > h.maxPollAge {
		return fmt.Errorf("server: chain poll stale by %s (max %s)", age, h.maxPollAge)
	}
	return nil
}
