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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	serrors "github.com/transparency-dev/identity-sequencer/server/errors"
)

// Metrics exposes Prometheus counters and histograms for the query
// surface, named after the teacher's mysql_queued_leaves /
// mysql_dequeue_leaves_latency convention.
type Metrics struct {
	registry *prometheus.Registry

	insertTotal       *prometheus.CounterVec
	insertLatency     prometheus.Histogram
	proofTotal        *prometheus.CounterVec
	proofLatency      prometheus.Histogram
}

// NewMetrics constructs and registers a fresh metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		insertTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_insert_identity_total",
			Help: "Count of insertIdentity calls by result code.",
		}, []string{"code"}),
		insertLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "sequencer_insert_identity_seconds",
			Help: "Latency of insertIdentity calls.",
		}),
		proofTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_inclusion_proof_total",
			Help: "Count of inclusionProof calls by result code.",
		}, []string{"code"}),
		proofLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "sequencer_inclusion_proof_seconds",
			Help: "Latency of inclusionProof calls.",
		}),
	}
	reg.MustRegister(m.insertTotal, m.insertLatency, m.proofTotal, m.proofLatency)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInsertIdentity records one insertIdentity call's outcome.
func (m *Metrics) ObserveInsertIdentity(d time.Duration, err error) {
	m.insertTotal.WithLabelValues(serrors.CodeOf(err).String()).Inc()
	m.insertLatency.Observe(d.Seconds())
}

// ObserveInclusionProof records one inclusionProof call's outcome.
func (m *Metrics) ObserveInclusionProof(d time.Duration, err error) {
	m.proofTotal.WithLabelValues(serrors.CodeOf(err).String()).Inc()
	m.proofLatency.Observe(d.Seconds())
}
