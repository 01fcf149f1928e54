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

// Package supervisor owns the primary connection and decides, when it
// breaks, whether the outage is transient, recoverable by discovering a
// newly promoted primary, or grounds for failover.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pgsentinel/pgsentinel/go/sentinel/config"
	"github.com/pgsentinel/pgsentinel/go/sentinel/directory"
	"github.com/pgsentinel/pgsentinel/go/sentinel/exitcode"
	"github.com/pgsentinel/pgsentinel/go/sentinel/metrics"
	"github.com/pgsentinel/pgsentinel/go/sentinel/nodeclient"
)

const (
	// Reconnect ladder: 15 resets 20 seconds apart, about five minutes of
	// patience with a primary that may just be restarting.
	reconnectAttempts = 15
	reconnectInterval = 20 * time.Second

	// Manual-failover rediscovery: 6 probes 300 seconds apart, half an
	// hour for an operator to promote a peer.
	rediscoverAttempts = 6
	rediscoverInterval = 300 * time.Second
)

// ErrNoPrimary is the soft error returned while no primary is reachable
// after a follow; the tick aborts and rediscovery retries next schedule.
var ErrNoPrimary = errors.New("no primary reachable yet")

// Elector runs the automatic failover decision. On a nil return this node
// either promoted itself (the next is_standby probe notices) or is now
// following the new primary.
type Elector interface {
	Elect(ctx context.Context) error
}

// Binding is the daemon's single live primary attachment.
type Binding struct {
	Conn   *nodeclient.Client
	NodeID int
}

// Supervisor maintains at most one Binding and runs the reconnect ladder.
type Supervisor struct {
	mode    config.FailoverMode
	dir     *directory.Directory
	elector Elector
	logger  *slog.Logger
	metrics *metrics.Registry

	binding *Binding

	// sleep is injectable so ladder tests run without wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Supervisor. elector may be nil when mode is manual.
func New(mode config.FailoverMode, dir *directory.Directory, elector Elector, logger *slog.Logger, reg *metrics.Registry) *Supervisor {
	return &Supervisor{
		mode:    mode,
		dir:     dir,
		elector: elector,
		logger:  logger,
		metrics: reg,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Adopt installs a new primary binding, closing the previous one unless it
// aliases the local session.
func (s *Supervisor) Adopt(b *Binding, local *nodeclient.Client) {
	if s.binding != nil && s.binding.Conn != local && s.binding.Conn != b.Conn {
		s.binding.Conn.Close()
	}
	s.binding = b
}

// Binding returns the current primary attachment, nil after a failover
// until a new primary has been adopted.
func (s *Supervisor) Binding() *Binding {
	return s.binding
}

// EnsurePrimary verifies primary liveness at the start of a tick,
// reconnecting or escalating as configured. On a nil return the binding is
// live. A returned *exitcode.Error is terminal for the daemon; any other
// error aborts this tick only.
func (s *Supervisor) EnsurePrimary(ctx context.Context, local *nodeclient.Client) error {
	if s.binding == nil {
		// Post-failover: keep asking the registry until the new primary
		// shows up.
		return s.rediscoverOnce(ctx, local)
	}

	if s.binding.Conn.Status() == nodeclient.StatusOK {
		s.metrics.PrimaryReachable.Set(1)
		return nil
	}
	s.metrics.PrimaryReachable.Set(0)

	if s.climbReconnectLadder(ctx) {
		s.metrics.PrimaryReachable.Set(1)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch s.mode {
	case config.FailoverManual:
		s.logger.Error("could not reconnect to primary, checking whether another node has been promoted")
		return s.rediscoverLadder(ctx, local)
	case config.FailoverAutomatic:
		if err := s.elector.Elect(ctx); err != nil {
			return err
		}
		// Whatever the outcome, the old binding is gone. The next tick
		// discovers the new primary (possibly ourselves, which the
		// is_standby probe turns into a promoted exit).
		s.dropBinding(local)
		return nil
	default:
		return exitcode.New(exitcode.ErrBadConfig, "unknown failover mode %q", s.mode)
	}
}

// climbReconnectLadder retries the broken connection. True means restored.
func (s *Supervisor) climbReconnectLadder(ctx context.Context) bool {
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		s.logger.Warn("connection to primary lost, trying to recover",
			"attempt", attempt, "of", reconnectAttempts)
		if err := s.sleep(ctx, reconnectInterval); err != nil {
			return false
		}
		s.metrics.ReconnectAttemptsTotal.Inc()
		s.binding.Conn.Reset(ctx)
		if s.binding.Conn.Status() == nodeclient.StatusOK {
			s.logger.Info("connection to primary restored, continuing monitoring")
			return true
		}
	}
	return false
}

// rediscoverLadder is the manual-failover branch: wait for an operator to
// promote a peer, adopting it when it appears.
func (s *Supervisor) rediscoverLadder(ctx context.Context, local *nodeclient.Client) error {
	for attempt := 1; attempt <= rediscoverAttempts; attempt++ {
		conn, id, err := s.dir.FindPrimary(ctx, local)
		if err != nil {
			s.logger.Warn("primary rediscovery failed", "error", err)
		}
		if conn != nil {
			s.logger.Info("connected to new primary, continuing monitoring", "node", id)
			s.Adopt(&Binding{Conn: conn, NodeID: id}, local)
			s.metrics.RediscoveriesTotal.Inc()
			s.metrics.PrimaryReachable.Set(1)
			return nil
		}
		s.logger.Error("no new primary found, waiting before retry",
			"attempt", attempt, "of", rediscoverAttempts)
		if err := s.sleep(ctx, rediscoverInterval); err != nil {
			return err
		}
	}
	return exitcode.New(exitcode.ErrDBConn, "could not reconnect to any primary for long enough")
}

// rediscoverOnce makes a single discovery attempt for the post-failover
// state; failure is soft and the next tick tries again.
func (s *Supervisor) rediscoverOnce(ctx context.Context, local *nodeclient.Client) error {
	conn, id, err := s.dir.FindPrimary(ctx, local)
	if err != nil {
		return err
	}
	if conn == nil {
		return ErrNoPrimary
	}
	s.logger.Info("adopted new primary", "node", id)
	s.Adopt(&Binding{Conn: conn, NodeID: id}, local)
	s.metrics.RediscoveriesTotal.Inc()
	s.metrics.PrimaryReachable.Set(1)
	return nil
}

func (s *Supervisor) dropBinding(local *nodeclient.Client) {
	if s.binding != nil && s.binding.Conn != nil && s.binding.Conn != local {
		s.binding.Conn.Close()
	}
	s.binding = nil
	s.metrics.PrimaryReachable.Set(0)
}

// SetSleep overrides the ladder sleep. Tests only.
func (s *Supervisor) SetSleep(f func(ctx context.Context, d time.Duration) error) {
	s.sleep = f
}
