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

// Package sentinel is the daemon orchestrator: it identifies the local
// node's role at startup, schedules the periodic monitoring tick, and
// turns terminal conditions into process exit codes.
package sentinel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pgsentinel/pgsentinel/go/sentinel/config"
	"github.com/pgsentinel/pgsentinel/go/sentinel/directory"
	"github.com/pgsentinel/pgsentinel/go/sentinel/election"
	"github.com/pgsentinel/pgsentinel/go/sentinel/exitcode"
	"github.com/pgsentinel/pgsentinel/go/sentinel/metrics"
	"github.com/pgsentinel/pgsentinel/go/sentinel/monitor"
	"github.com/pgsentinel/pgsentinel/go/sentinel/nodeclient"
	"github.com/pgsentinel/pgsentinel/go/sentinel/supervisor"
	"github.com/pgsentinel/pgsentinel/go/tools/timer"
)

// tickInterval is the monitoring cadence.
const tickInterval = 3 * time.Second

// Daemon supervises one local database node.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Registry
	dir     *directory.Directory

	local    *nodeclient.Client
	sup      *supervisor.Supervisor
	reporter *monitor.Reporter

	// openLocal is injectable so tests run against fake databases.
	openLocal func(ctx context.Context) (*nodeclient.Client, error)

	// done receives the terminal error decided inside a tick.
	done chan error
}

// New builds a Daemon from configuration.
func New(cfg *config.Config, logger *slog.Logger, reg *metrics.Registry) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		dir:     directory.New(cfg.ClusterName, logger),
		done:    make(chan error, 1),
	}
	d.openLocal = func(ctx context.Context) (*nodeclient.Client, error) {
		return nodeclient.Open(ctx, logger, cfg.Conninfo)
	}
	return d
}

// Run executes the daemon until a terminal condition or until ctx is
// cancelled (interrupt). The returned error carries the exit code; nil
// means a normal SUCCESS exit.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.startup(ctx); err != nil {
		return err
	}
	if d.local == nil {
		// Primary-node startup: nothing to monitor.
		return nil
	}
	defer d.closeSessions()

	if dump, err := d.cfg.Dump(); err == nil {
		d.logger.Debug("effective configuration", "config", dump)
	}

	d.logger.Info("starting continuous standby node monitoring",
		"node", d.cfg.NodeID,
		"cluster", d.cfg.ClusterName,
		"failover", string(d.cfg.Failover),
		"interval", tickInterval,
	)

	runner := timer.NewPeriodicRunner(ctx, tickInterval)
	runner.Start(d.tick)
	defer runner.Stop()

	select {
	case err := <-d.done:
		return err
	case <-ctx.Done():
		d.logger.Info("interrupt received, closing connections")
		return nil
	}
}

// startup opens the local session, identifies the node's role, attaches
// to the primary and registers this node. On a PRIMARY-role startup it
// logs and leaves d.local nil; the daemon is only meaningful on standbys.
func (d *Daemon) startup(ctx context.Context) error {
	d.logger.Info("connecting to local database", "conninfo", d.cfg.Conninfo)
	local, err := d.openLocal(ctx)
	if err != nil {
		return exitcode.Wrap(exitcode.ErrDBConn, err)
	}

	if err := d.dir.CheckConfigured(ctx, local); err != nil {
		local.Close()
		if errors.Is(err, directory.ErrNotConfigured) {
			return exitcode.Wrap(exitcode.ErrBadConfig, err)
		}
		return exitcode.Wrap(exitcode.ErrDBQuery, err)
	}

	standby, err := d.dir.IsStandby(ctx, local)
	if err != nil {
		local.Close()
		return exitcode.Wrap(exitcode.ErrDBQuery, err)
	}
	if !standby {
		d.logger.Info("this is a primary node, daemon not needed here; exiting")
		local.Close()
		return nil
	}

	d.logger.Info("connecting to primary", "cluster", d.cfg.ClusterName)
	primary, primaryID, err := d.dir.FindPrimary(ctx, local)
	if err != nil {
		local.Close()
		return exitcode.Wrap(exitcode.ErrBadQuery, err)
	}
	if primary == nil {
		local.Close()
		return exitcode.New(exitcode.ErrBadConfig, "no reachable primary for cluster %q", d.cfg.ClusterName)
	}

	self := directory.NodeIdentity{ID: d.cfg.NodeID, Cluster: d.cfg.ClusterName, Conninfo: d.cfg.Conninfo}
	if err := d.dir.EnsureSelfRegistered(ctx, local, primary, self); err != nil {
		local.Close()
		primary.Close()
		return exitcode.Wrap(exitcode.ErrBadConfig, err)
	}

	d.local = local
	elector := election.New(d.cfg.NodeID, local, d.dir,
		d.cfg.PromoteCommand, d.cfg.FollowCommand, d.logger, d.metrics)
	d.sup = supervisor.New(d.cfg.Failover, d.dir, elector, d.logger, d.metrics)
	d.sup.Adopt(&supervisor.Binding{Conn: primary, NodeID: primaryID}, local)
	d.reporter = monitor.NewReporter(local, d.cfg.NodeID, d.dir.Schema(), d.logger, d.metrics)
	return nil
}

// SetDirectory overrides the cluster directory. Tests only.
func (d *Daemon) SetDirectory(dir *directory.Directory) {
	d.dir = dir
}

// SetOpenLocal overrides how the local session is opened. Tests only.
func (d *Daemon) SetOpenLocal(f func(ctx context.Context) (*nodeclient.Client, error)) {
	d.openLocal = f
}

// Supervisor exposes the primary supervisor once startup has completed.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	return d.sup
}

// tick is one pass of the monitoring loop: verify primary liveness,
// confirm this node is still a standby, then measure and publish lag.
// Soft errors end the tick; terminal ones end the daemon.
func (d *Daemon) tick(ctx context.Context) {
	if err := d.sup.EnsurePrimary(ctx, d.local); err != nil {
		d.finishOrRetry(err, "primary supervision")
		return
	}

	standby, err := d.dir.IsStandby(ctx, d.local)
	if err != nil {
		d.logger.Warn("standby probe failed, retrying next tick", "error", err)
		return
	}
	if !standby {
		d.terminate(exitcode.New(exitcode.ErrPromoted,
			"this node is no longer a standby; it seems we have been promoted"))
		return
	}

	binding := d.sup.Binding()
	if binding == nil {
		// Can happen right after a failover; the next EnsurePrimary
		// adopts the new primary.
		return
	}
	if err := d.reporter.Tick(ctx, binding.Conn, binding.NodeID); err != nil {
		d.logger.Warn("monitoring tick aborted", "error", err)
	}
}

// finishOrRetry routes an error from the tick: exit errors terminate the
// daemon, everything else is logged and retried on the next schedule.
func (d *Daemon) finishOrRetry(err error, stage string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var ee *exitcode.Error
	if errors.As(err, &ee) {
		d.terminate(ee)
		return
	}
	d.logger.Warn(stage+" failed, retrying next tick", "error", err)
}

func (d *Daemon) terminate(err *exitcode.Error) {
	d.logger.Error("terminal condition", "exit", err.Code.String(), "error", err.Err)
	select {
	case d.done <- err:
	default:
	}
}

// closeSessions releases both sessions, cancelling any in-flight monitor
// insert first. Runs on every exit path.
func (d *Daemon) closeSessions() {
	var primary *nodeclient.Client
	if d.sup != nil && d.sup.Binding() != nil {
		primary = d.sup.Binding().Conn
	}
	if primary != nil {
		if primary.Busy() {
			primary.CancelInFlight()
		}
		if primary != d.local {
			primary.Close()
		}
	}
	if d.local != nil {
		d.local.Close()
	}
}
