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

// Package election implements the distributed failover decision run by
// every surviving standby once the primary is declared lost.
//
// Each elector publishes its own replayed WAL position, probes every peer
// for theirs, checks that the visible nodes are not fewer than half the
// registered cohort (integer-truncated, so 1 of 3 passes), and picks the
// standby with the highest position. The winner promotes itself; everyone
// else re-parents to it. There is no coordinator: electors that share a
// view agree on the winner when the highest position is unique. On a tie
// each elector keeps itself as the candidate, so tied electors each pick
// themselves.
package election

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgsentinel/pgsentinel/go/sentinel/directory"
	"github.com/pgsentinel/pgsentinel/go/sentinel/exitcode"
	"github.com/pgsentinel/pgsentinel/go/sentinel/lsn"
	"github.com/pgsentinel/pgsentinel/go/sentinel/metrics"
	"github.com/pgsentinel/pgsentinel/go/sentinel/nodeclient"
	"github.com/pgsentinel/pgsentinel/go/tools/shellexec"
)

// PeerSnapshot is one candidate's state as observed during an election.
type PeerSnapshot struct {
	NodeID   int
	Location lsn.LSN
	IsReady  bool
}

// Elector runs one failover election for the local standby.
type Elector struct {
	selfID         int
	local          *nodeclient.Client
	dir            *directory.Directory
	promoteCommand string
	followCommand  string
	logger         *slog.Logger
	metrics        *metrics.Registry

	// runCommand executes an operator shell string; injectable for tests.
	runCommand func(ctx context.Context, command string) error
}

// New builds an Elector.
func New(selfID int, local *nodeclient.Client, dir *directory.Directory, promoteCommand, followCommand string, logger *slog.Logger, reg *metrics.Registry) *Elector {
	return &Elector{
		selfID:         selfID,
		local:          local,
		dir:            dir,
		promoteCommand: promoteCommand,
		followCommand:  followCommand,
		logger:         logger,
		metrics:        reg,
		runCommand:     shellexec.Run,
	}
}

// Elect runs the election. A nil return means a promote or follow action
// was taken and the local session is live again; a *exitcode.Error means
// the daemon must exit.
func (e *Elector) Elect(ctx context.Context) error {
	// Step 1: publish our own replayed position. A node that cannot even
	// report itself publishes the 0/0 sentinel so peers rule it out, and
	// steps out of the election entirely.
	selfLSN, err := e.reportSelf(ctx)
	if err != nil {
		e.metrics.ElectionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return err
	}

	// Step 2: the candidate cohort.
	peers, err := e.dir.ListPeerStandbys(ctx, e.local, e.selfID)
	if err != nil {
		e.metrics.ElectionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return exitcode.Wrap(exitcode.ErrBadQuery, err)
	}

	// Step 3: probe every peer. Probe failures are isolated: one bad peer
	// never affects the others.
	snapshots := e.probePeers(ctx, peers)

	// Step 4: quorum. total/2 truncates: with 3 registered nodes a single
	// visible node passes, with 4 it takes two. Below the threshold this
	// node neither promotes nor follows; rejoining needs an operator.
	total := len(peers) + 1
	visible := 1
	for _, s := range snapshots {
		if s.IsReady {
			visible++
		}
	}
	if visible < total/2 {
		e.logger.Error("cannot reach most of the cluster, leaving failover to the standbys that can",
			"visible", visible, "total", total)
		e.metrics.ElectionsTotal.WithLabelValues(metrics.OutcomeNoQuorum).Inc()
		return exitcode.New(exitcode.ErrFailoverFail,
			"only %d of %d nodes visible; manual action needed to rejoin this node", visible, total)
	}

	// Step 5: pick the winner, starting from our own position read in
	// step 1. Replacement needs a strictly greater position: on a tie the
	// incumbent stays, so with equal positions everywhere self wins. The
	// tie-break is traversal order over the registry, not node id.
	best := PeerSnapshot{NodeID: e.selfID, Location: selfLSN, IsReady: true}
	for _, s := range snapshots {
		if !s.IsReady {
			continue
		}
		if best.Location.Less(s.Location) {
			best = s
		}
	}

	e.logger.Info("election decided",
		"winner", best.NodeID,
		"winner_location", best.Location,
		"self", e.selfID,
		"candidates", e.describeCandidates(selfLSN, snapshots),
	)

	// Step 6: act. The commands are opaque operator property; their exit
	// status is not examined.
	if best.NodeID == e.selfID {
		e.logger.Info("this node has the best WAL position, promoting", "command", e.promoteCommand)
		if err := e.runCommand(ctx, e.promoteCommand); err != nil {
			e.logger.Warn("promote command finished with error", "error", err)
		}
		e.metrics.ElectionsTotal.WithLabelValues(metrics.OutcomePromoted).Inc()
	} else {
		e.logger.Info("following the new primary", "node", best.NodeID, "command", e.followCommand)
		if err := e.runCommand(ctx, e.followCommand); err != nil {
			e.logger.Warn("follow command finished with error", "error", err)
		}
		e.metrics.ElectionsTotal.WithLabelValues(metrics.OutcomeFollowed).Inc()
	}

	// Step 7: re-attach to the local database; promotion and follow both
	// bounce it. This session is required: without it the daemon is blind.
	e.local.Reset(ctx)
	if e.local.Status() != nodeclient.StatusOK {
		return exitcode.New(exitcode.ErrDBConn, "could not reopen local session after failover action")
	}
	return nil
}

// reportSelf reads and publishes the local replayed WAL position.
func (e *Elector) reportSelf(ctx context.Context) (lsn.LSN, error) {
	var text string
	scanErr := e.local.QueryRow(ctx, "SELECT pg_last_xlog_replay_location()").Scan(&text)
	var selfLSN lsn.LSN
	var parseErr error
	if scanErr == nil {
		selfLSN, parseErr = lsn.Parse(text)
	}
	if scanErr != nil || parseErr != nil {
		err := scanErr
		if err == nil {
			err = parseErr
		}
		e.logger.Error("cannot read own replay location, reporting 0/0 so peers rule this node out", "error", err)
		// Publish errors are ignored here: if this node is crashing the
		// peers will not see it either way.
		if perr := e.dir.PublishStandbyLocation(ctx, e.local, lsn.Make(0, 0).String()); perr != nil {
			e.logger.Warn("could not publish sentinel location", "error", perr)
		}
		return lsn.LSN{}, exitcode.Wrap(exitcode.ErrDBQuery, err)
	}

	if err := e.dir.PublishStandbyLocation(ctx, e.local, text); err != nil {
		e.logger.Warn("could not publish standby location", "error", err)
	}
	return selfLSN, nil
}

// probePeers opens a short-lived session to each peer and reads its
// published location. Unreachable or unparseable peers come back with
// IsReady=false and are excluded from both quorum and candidacy.
func (e *Elector) probePeers(ctx context.Context, peers []directory.NodeIdentity) []PeerSnapshot {
	snapshots := make([]PeerSnapshot, 0, len(peers))
	for _, peer := range peers {
		snap := PeerSnapshot{NodeID: peer.ID}

		conn := e.dir.Dial(ctx, peer.Conninfo)
		if conn.Status() != nodeclient.StatusOK {
			e.logger.Warn("peer unreachable, excluding from election", "node", peer.ID)
			conn.Close()
			snapshots = append(snapshots, snap)
			continue
		}

		text, err := e.dir.LastStandbyLocation(ctx, conn)
		conn.Close()
		if err != nil {
			e.logger.Warn("cannot read peer standby location, excluding from election",
				"node", peer.ID, "error", err)
			snapshots = append(snapshots, snap)
			continue
		}

		loc, err := lsn.Parse(text)
		if err != nil {
			e.logger.Warn("cannot parse peer standby location, excluding from election",
				"node", peer.ID, "location", text, "error", err)
			snapshots = append(snapshots, snap)
			continue
		}

		snap.Location = loc
		snap.IsReady = true
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

func (e *Elector) describeCandidates(selfLSN lsn.LSN, snapshots []PeerSnapshot) []string {
	out := []string{fmt.Sprintf("node %d at %s (self)", e.selfID, selfLSN)}
	for _, s := range snapshots {
		if s.IsReady {
			out = append(out, fmt.Sprintf("node %d at %s", s.NodeID, s.Location))
		} else {
			out = append(out, fmt.Sprintf("node %d excluded", s.NodeID))
		}
	}
	return out
}

// SetRunCommand overrides shell execution. Tests only.
func (e *Elector) SetRunCommand(f func(ctx context.Context, command string) error) {
	e.runCommand = f
}
