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

// Package leader implements component I: an etcd-backed mutual-exclusion
// lease so that, when more than one sequencer process is deployed for
// availability, only the lease holder runs the chain subscriber and
// committer. app.Start campaigns before opening the query surface, so a
// standby serves no requests until it holds the lease.
package leader

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"k8s.io/klog/v2"
)

// Config configures the lease.
type Config struct {
	// Endpoints is the etcd cluster's client URLs. Empty disables
	// leader election: leadership is trivially granted in-process,
	// matching single-instance deployments and the test suite.
	Endpoints []string
	// GroupID keys the lease so two sequencers configured for the same
	// group never both hold it.
	GroupID uint64
	// SessionTTLSeconds bounds how long a lease survives after this
	// process stops renewing it (e.g. on crash).
	SessionTTLSeconds int
}

// Lease campaigns for and releases leadership.
type Lease struct {
	client  *clientv3.Client
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// New connects to etcd. If cfg.Endpoints is empty it returns (nil, nil):
// callers must treat a nil *Lease as always-leader (see Campaign).
func New(cfg Config) (*Lease, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, nil
	}
	client, err := clientv3.New(clientv3.Config{Endpoints: cfg.Endpoints})
	if err != nil {
		return nil, fmt.Errorf("leader: connect etcd: %w", err)
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTLSeconds))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("leader: new session: %w", err)
	}
	key := fmt.Sprintf("/sequencer/leader/%d", cfg.GroupID)
	return &Lease{client: client, session: session, mutex: concurrency.NewMutex(session, key)}, nil
}

// Campaign blocks until this process holds the lease (or ctx is done),
// returning a release func to relinquish it. A nil *Lease always
// succeeds immediately with a no-op release, so single-instance
// deployments never depend on etcd being present.
func (l *Lease) Campaign(ctx context.Context) (release func(), err error) {
	if l == nil {
		return func() {}, nil
	}
	if err := l.mutex.Lock(ctx); err != nil {
		return nil, fmt.Errorf("leader: campaign: %w", err)
	}
	return func() {
		// Use a fresh context: ctx may already be canceled by the time
		// shutdown runs the release func.
		if err := l.mutex.Unlock(context.Background()); err != nil {
			klog.Errorf("leader: release lease: %v", err)
		}
	}, nil
}

// Lost returns a channel that is closed if the underlying etcd session
// expires (e.g. this process stalled long enough to miss keepalives).
// Callers treat this the same as a write-path lock timeout: fatal,
// process exits so the supervisor restarts and re-campaigns. A nil
// *Lease returns a channel that is never closed.
func (l *Lease) Lost() <-chan struct{} {
	if l == nil {
		return make(chan struct{})
	}
	return l.session.Done()
}

// Close releases the etcd client and session. A nil receiver is a no-op.
func (l *Lease) Close() error {
	if l == nil {
		return nil
	}
	if err := l.session.Close(); err != nil {
		klog.Errorf("leader: close session: %v", err)
	}
	return l.client.Close()
}
