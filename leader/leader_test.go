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

package leader

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestNilLeaseAlwaysLeader(t *testing.T) {
	lease, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if lease != nil {
		t.Fatalf("New with no endpoints = %v, want nil", lease)
	}

	release, err := lease.Campaign(context.Background())
	if err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	release() // must not panic.

	select {
	case <-lease.Lost():
		t.Fatal("nil lease's Lost() channel is closed, want never-closed")
	default:
	}

	if err := lease.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

const endpointsEnv = "SEQUENCER_TEST_ETCD_ENDPOINTS"

func TestCampaignAcquiresAndReleasesLease(t *testing.T) {
	raw := os.Getenv(endpointsEnv)
	if raw == "" {
		t.Skipf("%s not set, skipping live etcd test", endpointsEnv)
	}
	endpoints := strings.Split(raw, ",")

	lease, err := New(Config{Endpoints: endpoints, GroupID: 1, SessionTTLSeconds: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer lease.Close()

	ctx := context.Background()
	release, err := lease.Campaign(ctx)
	if err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	release()
}
