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

// Command sequencer runs the identity sequencer service: it accepts
// commitments over HTTP, maintains the local Merkle accumulator, and
// mirrors insertions onto a Semaphore-style contract.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/app"
)

func main() {
	klog.InitFlags(nil)
	if err := newRootCmd().Execute(); err != nil {
		klog.Exitf("sequencer: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var cfg app.Config
	var etcdEndpoints string
	var lockTimeoutSec int

	cmd := &cobra.Command{
		Use:   "sequencer",
		Short: "Identity sequencer: accumulator, chain subscriber, and committer service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.EtcdEndpoints = splitNonEmpty(etcdEndpoints)
			cfg.LockTimeout = time.Duration(lockTimeoutSec) * time.Second
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.DatabaseDriver, "database-driver", "mysql", "Event cache backend: mysql or postgres")
	flags.StringVar(&cfg.DatabaseDSN, "database-dsn", "", "Data source name for the event cache database")
	flags.StringVar(&cfg.EthereumProvider, "ethereum-provider", "", "RPC URL of the chain node")
	flags.StringVar(&cfg.SemaphoreAddress, "semaphore-address", "", "Semaphore-style contract address")
	flags.StringVar(&cfg.SigningKey, "signing-key", "", "Private key used to sign submissions")
	flags.Uint64Var(&cfg.GroupID, "group-id", 0, "Group identifier this instance serves")
	flags.Uint64Var(&cfg.ConfirmationBlocksDelay, "confirmation-blocks-delay", 6, "Minimum confirmations before an event is accepted")
	flags.DurationVar(&cfg.RefreshRate, "refresh-rate", 5*time.Second, "Poll interval during the Watch phase")
	flags.IntVar(&cfg.CacheRecoveryStepSize, "cache-recovery-step-size", 10, "Entries removed by the first cache-recovery step")
	flags.Uint64Var(&cfg.StartingBlock, "starting-block", 0, "Minimum block scanned on first run")
	flags.IntVar(&lockTimeoutSec, "lock-timeout", 5, "Seconds before tree lock acquisition fails")
	flags.StringVar(&cfg.RedisAddress, "redis-address", "", "Redis address backing the submission throttle; empty disables it")
	flags.IntVar(&cfg.SubmissionRatePerMinute, "submission-rate-per-minute", 60, "Submission throttle rate")
	flags.IntVar(&cfg.SubmissionBurst, "submission-burst", 10, "Submission throttle burst size")
	flags.StringVar(&etcdEndpoints, "etcd-endpoints", "", "Comma-separated etcd endpoints backing the HA leader lease; empty disables it")
	flags.IntVar(&cfg.EtcdSessionTTLSec, "etcd-session-ttl-seconds", 10, "etcd session TTL for the leader lease")
	flags.StringVar(&cfg.ListenAddress, "listen-address", ":8080", "HTTP listen address for the query surface")
	flags.StringVar(&cfg.MetricsAddress, "metrics-address", "", "Listen address for /metrics; empty disables the standalone metrics server")

	bindEnv(flags)
	return cmd
}

// bindEnv gives every flag the same flag/env duality clap(env) gave the
// original: an unset flag falls back to its uppercased-with-underscores
// environment variable (ETHEREUM_PROVIDER, SEMAPHORE_ADDRESS, ...).
func bindEnv(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		env := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(env); ok {
			_ = f.Value.Set(v)
		}
	})
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(ctx context.Context, cfg app.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Start(ctx)
}
