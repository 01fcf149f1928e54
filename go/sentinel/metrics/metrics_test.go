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

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisteredMetricsGather(t *testing.T) {
	r := New()

	r.TicksTotal.Inc()
	r.ReceiveLagBytes.Set(1048576)
	r.ApplyLagBytes.Set(0)
	r.PrimaryReachable.Set(1)
	r.ElectionsTotal.WithLabelValues(OutcomePromoted).Inc()

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pgsentinel_monitor_ticks_total"])
	assert.True(t, names["pgsentinel_receive_lag_bytes"])
	assert.True(t, names["pgsentinel_apply_lag_bytes"])
	assert.True(t, names["pgsentinel_primary_reachable"])
	assert.True(t, names["pgsentinel_elections_total"])
}

func TestFreshRegistryPerDaemon(t *testing.T) {
	// Two registries must not collide, or tests and multi-daemon embeds
	// would panic on duplicate registration.
	a := New()
	b := New()
	a.TicksTotal.Inc()
	families, err := b.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			assert.Zero(t, m.GetCounter().GetValue())
		}
	}
}
