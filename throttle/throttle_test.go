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

package throttle

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNilThrottleAlwaysAllows(t *testing.T) {
	th, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if th != nil {
		t.Fatalf("New with empty RedisAddress = %v, want nil", th)
	}

	allowed, retryAfter := th.Allow(context.Background())
	if !allowed || retryAfter != 0 {
		t.Fatalf("nil.Allow() = (%v, %v), want (true, 0)", allowed, retryAfter)
	}
	if err := th.WaitAllow(context.Background()); err != nil {
		t.Fatalf("nil.WaitAllow() = %v, want nil", err)
	}
	if err := th.Close(); err != nil {
		t.Fatalf("nil.Close() = %v, want nil", err)
	}
}

const addrEnv = "SEQUENCER_TEST_REDIS_ADDR"

func TestTokenBucketEnforcesRate(t *testing.T) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		t.Skipf("%s not set, skipping live Redis test", addrEnv)
	}

	th, err := New(Config{RedisAddress: addr, GroupID: 1, RatePerMinute: 60, Burst: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer th.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		allowed, _ := th.Allow(ctx)
		if !allowed {
			t.Fatalf("Allow() call %d = false, want true (within burst)", i)
		}
	}
	if allowed, retryAfter := th.Allow(ctx); allowed || retryAfter <= 0 {
		t.Fatalf("Allow() after burst exhausted = (%v, %v), want (false, >0)", allowed, retryAfter)
	}
}
