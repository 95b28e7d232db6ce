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

// Package app wires components A-I together and drives the startup and
// shutdown sequence from §2 and §9: connect A and C in parallel, build an
// empty B, run D's startup recovery protocol, then start D and E as
// background tasks and open F to clients.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/chain"
	"github.com/transparency-dev/identity-sequencer/committer"
	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/leader"
	"github.com/transparency-dev/identity-sequencer/server"
	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/store/mysql"
	"github.com/transparency-dev/identity-sequencer/store/postgres"
	"github.com/transparency-dev/identity-sequencer/throttle"
	"github.com/transparency-dev/identity-sequencer/tree"
	"github.com/transparency-dev/identity-sequencer/treelock"
)

// Config is the fully-resolved configuration table from §6, after flag
// and environment binding (see cmd/sequencer).
type Config struct {
	DatabaseDriver string // "mysql" | "postgres"
	DatabaseDSN    string

	EthereumProvider string
	SemaphoreAddress string
	SigningKey       string
	GroupID          uint64

	ConfirmationBlocksDelay uint64
	RefreshRate             time.Duration
	CacheRecoveryStepSize   int
	StartingBlock           uint64
	LockTimeout             time.Duration

	RedisAddress            string
	SubmissionRatePerMinute int
	SubmissionBurst         int

	EtcdEndpoints     []string
	EtcdSessionTTLSec int

	ListenAddress  string
	MetricsAddress string
}

// App holds every wired component and its background tasks.
type App struct {
	cfg Config

	store   store.Store
	chainMgr *chain.Ethereum
	state   *tree.State
	lock    *treelock.Lock
	sub     *chain.Subscriber
	comm    *committer.Committer
	th      *throttle.Throttle
	lease   *leader.Lease
	query   *server.Query
	feed    *server.Feed
	health  *server.Health
	metrics *server.Metrics

	httpServer    *http.Server
	metricsServer *http.Server
}

// New connects A and C in parallel (§2 step 1), builds B sized from C's
// parameters (step 2), and wires every other component. It does not yet
// run D's startup recovery or start any background task; call Start for
// that.
func New(ctx context.Context, cfg Config) (*App, error) {
	var (
		s store.Store
		c *chain.Ethereum
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		s, err = openStore(gctx, cfg)
		if err != nil {
			return fmt.Errorf("app: open store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		c, err = chain.Dial(gctx, chain.Options{
			EthereumProvider: cfg.EthereumProvider,
			SemaphoreAddress: cfg.SemaphoreAddress,
			SigningKey:       cfg.SigningKey,
			GroupID:          cfg.GroupID,
		})
		if err != nil {
			return fmt.Errorf("app: dial chain: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := tree.NewState(c.TreeDepth()+1, treeHasher(), c.InitialLeafValue())
	lock := treelock.New(cfg.LockTimeout)

	th, err := throttle.New(throttle.Config{
		RedisAddress:  cfg.RedisAddress,
		GroupID:       cfg.GroupID,
		RatePerMinute: cfg.SubmissionRatePerMinute,
		Burst:         cfg.SubmissionBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init throttle: %w", err)
	}

	lease, err := leader.New(leader.Config{
		Endpoints:         cfg.EtcdEndpoints,
		GroupID:           cfg.GroupID,
		SessionTTLSeconds: cfg.EtcdSessionTTLSec,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init leader lease: %w", err)
	}

	sub := chain.NewSubscriber(s, c, state, lock, chain.SubscriberConfig{
		StartingBlock:           cfg.StartingBlock,
		ConfirmationBlocksDelay: cfg.ConfirmationBlocksDelay,
		RefreshRate:             cfg.RefreshRate,
		CacheRecoveryStepSize:   cfg.CacheRecoveryStepSize,
	})

	health := server.NewHealth(s, cfg.RefreshRate*10)
	feed := server.NewFeed(cfg.GroupID)
	sub.OnConfirmed = func(leafIndex int, leafValue, root field.Element) {
		health.RecordPoll(time.Now())
		feed.Publish(leafIndex, root)
	}

	comm := committer.New(s, c, state, lock, sub, th, committer.Config{
		PeriodicTick:   cfg.RefreshRate,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	})

	query := server.New(s, c, state, lock, comm, cfg.GroupID)
	metrics := server.NewMetrics()

	return &App{
		cfg: cfg, store: s, chainMgr: c, state: state, lock: lock,
		sub: sub, comm: comm, th: th, lease: lease,
		query: query, feed: feed, health: health, metrics: metrics,
	}, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return postgres.Open(ctx, cfg.DatabaseDSN)
	case "mysql", "":
		return mysql.Open(ctx, cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("app: unknown database_driver %q", cfg.DatabaseDriver)
	}
}

func treeHasher() tree.Hasher { return tree.PoseidonHasher{} }

// Start runs D's startup recovery protocol (racing ctx per §5's
// cancellation contract), then launches D, E, and F as background
// tasks. It blocks until ctx is done or an unrecoverable error occurs.
func (a *App) Start(ctx context.Context) error {
	release, err := a.lease.Campaign(ctx)
	if err != nil {
		return fmt.Errorf("app: campaign for leader lease: %w", err)
	}
	defer release()

	loadCtx, cancelLoad := context.WithCancel(ctx)
	defer cancelLoad()
	loadDone := make(chan error, 1)
	go func() { loadDone <- a.sub.LoadInitialEvents(loadCtx) }()

	select {
	case err := <-loadDone:
		if err != nil {
			return fmt.Errorf("app: startup recovery: %w", err)
		}
	case <-ctx.Done():
		cancelLoad()
		<-loadDone
		return chain.ErrInterrupted
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.watchLeaseLoss(gctx) })
	g.Go(func() error { return a.sub.Run(gctx) })
	g.Go(func() error { return a.comm.Run(gctx) })
	g.Go(func() error { return a.serveHTTP(gctx) })
	if a.cfg.MetricsAddress != "" {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	return g.Wait()
}

// watchLeaseLoss treats losing the etcd lease the same as a write-path
// lock timeout: fatal, so the supervisor restarts this process and it
// re-campaigns from a clean state.
func (a *App) watchLeaseLoss(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.lease.Lost():
		klog.Exitf("app: lost leader lease, exiting for supervisor restart")
		return nil
	}
}

func (a *App) serveHTTP(ctx context.Context) error {
	handler := server.NewHTTPServer(a.query, a.feed, a.health, a.metrics)
	a.httpServer = &http.Server{Addr: a.cfg.ListenAddress, Handler: handler}
	return runAndShutdownOnDone(ctx, a.httpServer)
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsServer = &http.Server{Addr: a.cfg.MetricsAddress, Handler: mux}
	return runAndShutdownOnDone(ctx, a.metricsServer)
}

func runAndShutdownOnDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("app: graceful shutdown: %v", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Close releases every component's resources. Safe to call after Start
// returns.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		klog.Errorf("app: close store: %v", err)
	}
	a.chainMgr.Close()
	if err := a.th.Close(); err != nil {
		klog.Errorf("app: close throttle: %v", err)
	}
	if err := a.lease.Close(); err != nil {
		klog.Errorf("app: close leader lease: %v", err)
	}
}
