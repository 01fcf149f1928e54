// Copyright 2025 The PgSentinel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the daemon records.
type Registry struct {
	registry *prometheus.Registry

	// Monitoring loop
	TicksTotal       prometheus.Counter
	TickErrorsTotal  prometheus.Counter
	ReceiveLagBytes  prometheus.Gauge
	ApplyLagBytes    prometheus.Gauge
	PrimaryReachable prometheus.Gauge

	// Reconnect ladder
	ReconnectAttemptsTotal prometheus.Counter
	RediscoveriesTotal     prometheus.Counter

	// Elections
	ElectionsTotal *prometheus.CounterVec
}

// New builds a Registry on a fresh prometheus registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.TicksTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pgsentinel_monitor_ticks_total",
		Help: "Completed monitoring ticks",
	})
	r.TickErrorsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pgsentinel_monitor_tick_errors_total",
		Help: "Monitoring ticks aborted by an error",
	})
	r.ReceiveLagBytes = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pgsentinel_receive_lag_bytes",
		Help: "Bytes by which the standby trails the primary in stream reception",
	})
	r.ApplyLagBytes = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pgsentinel_apply_lag_bytes",
		Help: "Bytes by which replay trails reception on the standby",
	})
	r.PrimaryReachable = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "pgsentinel_primary_reachable",
		Help: "1 while the primary connection is OK, 0 while broken",
	})
	r.ReconnectAttemptsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pgsentinel_primary_reconnect_attempts_total",
		Help: "Reset attempts against a broken primary connection",
	})
	r.RediscoveriesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "pgsentinel_primary_rediscoveries_total",
		Help: "Times a new primary was adopted after rediscovery",
	})
	r.ElectionsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "pgsentinel_elections_total",
		Help: "Failover elections by outcome",
	}, []string{"outcome"})

	return r
}

// Gatherer exposes the underlying registry for an exposition endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Election outcome label values.
const (
	OutcomePromoted = "promoted"
	OutcomeFollowed = "followed"
	OutcomeNoQuorum = "no_quorum"
	OutcomeFailed   = "failed"
)
