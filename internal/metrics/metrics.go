/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the orchestrator's Prometheus collectors.
type Registry struct {
	outcomes      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	reconcileRuns *prometheus.CounterVec
	divergences   *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Registry
)

// Default returns the process-wide registry, registering it on first use.
func Default() *Registry {
	once.Do(func() {
		registry = New()
		registry.MustRegister(prometheus.DefaultRegisterer)
	})
	return registry
}

func New() *Registry {
	return &Registry{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "orchestrator",
			Name:      "outcomes_total",
			Help:      "Operation outcomes segmented by operation, kind and rejection reason.",
		}, []string{"operation", "kind", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of orchestrator operations including confirmation waits.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "ledger",
			Name:      "transitions_total",
			Help:      "Applied job status transitions.",
		}, []string{"from", "to", "source"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "reconciler",
			Name:      "jobs_total",
			Help:      "Jobs examined by the reconciler segmented by result.",
		}, []string{"result"}),
		divergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "reconciler",
			Name:      "divergences_total",
			Help:      "Ledger statuses corrected to match the chain.",
		}, []string{"ledger", "chain"}),
	}
}

func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.outcomes, r.latency, r.transitions, r.reconcileRuns, r.divergences)
}

// ObserveOutcome records one finished operation.
func (r *Registry) ObserveOutcome(operation, kind, reason string, started time.Time) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(operation, kind, reason).Inc()
	r.latency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (r *Registry) ObserveTransition(from, to, source string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to, source).Inc()
}

func (r *Registry) ObserveReconcile(result string) {
	if r == nil {
		return
	}
	r.reconcileRuns.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveDivergence(ledger, chain string) {
	if r == nil {
		return
	}
	r.divergences.WithLabelValues(ledger, chain).Inc()
}
