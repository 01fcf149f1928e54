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

// Package monitor measures replication lag: one tick reads the local
// standby's WAL positions and the primary's write position, then publishes
// a sample row to the primary's monitor table.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pgsentinel/pgsentinel/go/sentinel/lsn"
	"github.com/pgsentinel/pgsentinel/go/sentinel/metrics"
	"github.com/pgsentinel/pgsentinel/go/sentinel/nodeclient"
)

// Sample is one lag measurement, as persisted to repl_monitor.
type Sample struct {
	PrimaryNode     int
	StandbyNode     int
	Timestamp       string
	PrimaryLSN      lsn.LSN
	ReceivedLSN     lsn.LSN
	AppliedLSN      lsn.LSN
	ReceiveLagBytes uint64
	ApplyLagBytes   uint64
}

// Reporter runs the measurement tick for one standby.
type Reporter struct {
	local   *nodeclient.Client
	selfID  int
	schema  string
	logger  *slog.Logger
	metrics *metrics.Registry

	ticks      atomic.Int64
	tickErrors atomic.Int64
}

// NewReporter builds a Reporter for the local standby session.
func NewReporter(local *nodeclient.Client, selfID int, schema string, logger *slog.Logger, reg *metrics.Registry) *Reporter {
	return &Reporter{
		local:   local,
		selfID:  selfID,
		schema:  schema,
		logger:  logger,
		metrics: reg,
	}
}

// Tick performs one measurement against the given primary session and
// publishes the sample asynchronously. The insert's result is deliberately
// not awaited; it is harvested at the start of the next tick, which bounds
// a tick's wall time to the two synchronous reads plus the send.
//
// Any error aborts this tick only; the caller retries on the next schedule.
func (r *Reporter) Tick(ctx context.Context, primary *nodeclient.Client, primaryID int) error {
	sample, err := r.tick(ctx, primary, primaryID)
	if err != nil {
		r.tickErrors.Add(1)
		r.metrics.TickErrorsTotal.Inc()
		return err
	}

	r.ticks.Add(1)
	r.metrics.TicksTotal.Inc()
	r.metrics.ReceiveLagBytes.Set(float64(sample.ReceiveLagBytes))
	r.metrics.ApplyLagBytes.Set(float64(sample.ApplyLagBytes))
	r.logger.Debug("lag sample published",
		"primary_lsn", sample.PrimaryLSN,
		"received_lsn", sample.ReceivedLSN,
		"applied_lsn", sample.AppliedLSN,
		"receive_lag_bytes", sample.ReceiveLagBytes,
		"apply_lag_bytes", sample.ApplyLagBytes,
	)
	return nil
}

func (r *Reporter) tick(ctx context.Context, primary *nodeclient.Client, primaryID int) (*Sample, error) {
	// Harvest the previous tick's insert; cancel it first if it is still
	// in flight so the synchronous reads below are not queued behind it.
	if primary.Busy() {
		r.logger.Warn("previous monitor insert still running, cancelling")
		primary.CancelInFlight()
	}
	if err := primary.Drain(ctx); err != nil {
		r.logger.Warn("previous monitor insert failed", "error", err)
	}

	var ts, receivedText, appliedText string
	err := r.local.QueryRow(ctx,
		"SELECT CURRENT_TIMESTAMP, pg_last_xlog_receive_location(), pg_last_xlog_replay_location()",
	).Scan(&ts, &receivedText, &appliedText)
	if err != nil {
		return nil, fmt.Errorf("reading standby WAL positions: %w", err)
	}

	var primaryText string
	if err := primary.QueryRow(ctx, "SELECT pg_current_xlog_location()").Scan(&primaryText); err != nil {
		return nil, fmt.Errorf("reading primary WAL position: %w", err)
	}

	primaryLSN, err := lsn.Parse(primaryText)
	if err != nil {
		return nil, fmt.Errorf("skipping sample: %w", err)
	}
	receivedLSN, err := lsn.Parse(receivedText)
	if err != nil {
		return nil, fmt.Errorf("skipping sample: %w", err)
	}
	appliedLSN, err := lsn.Parse(appliedText)
	if err != nil {
		return nil, fmt.Errorf("skipping sample: %w", err)
	}

	sample := &Sample{
		PrimaryNode:     primaryID,
		StandbyNode:     r.selfID,
		Timestamp:       ts,
		PrimaryLSN:      primaryLSN,
		ReceivedLSN:     receivedLSN,
		AppliedLSN:      appliedLSN,
		ReceiveLagBytes: lsn.LagBytes(primaryLSN, receivedLSN),
		ApplyLagBytes:   lsn.LagBytes(receivedLSN, appliedLSN),
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s.repl_monitor VALUES ($1, $2, $3::timestamp with time zone, $4, $5, $6, $7)",
		r.schema)
	primary.SendAsync(insert,
		sample.PrimaryNode, sample.StandbyNode, sample.Timestamp,
		sample.PrimaryLSN.String(), sample.ReceivedLSN.String(),
		int64(sample.ReceiveLagBytes), int64(sample.ApplyLagBytes))

	return sample, nil
}

// Ticks returns the number of successful measurement ticks.
func (r *Reporter) Ticks() int64 {
	return r.ticks.Load()
}

// TickErrors returns the number of aborted ticks.
func (r *Reporter) TickErrors() int64 {
	return r.tickErrors.Load()
}
