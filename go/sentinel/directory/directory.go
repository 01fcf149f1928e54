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

// Package directory reads and writes the cluster registry tables.
//
// Membership lives in <schema>.repl_nodes and per-standby status in
// <schema>.repl_status, where <schema> is repmgr_<cluster_name>. The rows
// for a cluster are the authoritative membership; only the primary writes
// them, and a standby inserts its own row exactly once, through its
// primary connection, on first startup.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pgsentinel/pgsentinel/go/sentinel/nodeclient"
)

// NodeIdentity is one registered cluster member.
type NodeIdentity struct {
	ID       int
	Cluster  string
	Conninfo string
}

// Dialer opens a short-lived session to a peer. Failures yield a sentinel
// broken session, never an error; an unreachable peer is a normal event.
type Dialer func(ctx context.Context, logger *slog.Logger, conninfo string) *nodeclient.Client

// ErrNotConfigured means the registry schema is absent: the cluster was
// never bootstrapped, or conninfo points at the wrong database.
var ErrNotConfigured = errors.New("replication cluster is not configured")

// Directory answers membership questions for one cluster.
type Directory struct {
	schema  string
	cluster string
	logger  *slog.Logger
	dial    Dialer
}

// New builds a Directory for the cluster using the default dialer.
func New(cluster string, logger *slog.Logger) *Directory {
	return NewWithDialer(cluster, logger, nodeclient.OpenOptional)
}

// NewWithDialer builds a Directory with a custom peer dialer (tests).
func NewWithDialer(cluster string, logger *slog.Logger, dial Dialer) *Directory {
	return &Directory{
		schema:  "repmgr_" + cluster,
		cluster: cluster,
		logger:  logger,
		dial:    dial,
	}
}

// Schema returns the per-cluster schema name.
func (d *Directory) Schema() string {
	return d.schema
}

// CheckConfigured verifies the registry tables exist, distinguishing an
// unbootstrapped cluster (ErrNotConfigured) from a query failure.
func (d *Directory) CheckConfigured(ctx context.Context, conn *nodeclient.Client) error {
	q := fmt.Sprintf("SELECT oid FROM pg_class WHERE relname = 'repl_nodes' AND relnamespace = (SELECT oid FROM pg_namespace WHERE nspname = '%s')", d.schema)
	var oid int64
	err := conn.QueryRow(ctx, q).Scan(&oid)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("checking cluster configuration: %w", err)
	}
	return nil
}

// IsStandby asks a node whether it is still in recovery.
func (d *Directory) IsStandby(ctx context.Context, conn *nodeclient.Client) (bool, error) {
	var standby bool
	if err := conn.QueryRow(ctx, "SELECT is_standby()").Scan(&standby); err != nil {
		return false, fmt.Errorf("checking standby state: %w", err)
	}
	return standby, nil
}

// listNodes enumerates every registered member of the cluster.
func (d *Directory) listNodes(ctx context.Context, conn *nodeclient.Client) ([]NodeIdentity, error) {
	q := fmt.Sprintf("SELECT id, cluster, conninfo FROM %s.repl_nodes WHERE cluster = $1", d.schema)
	rows, err := conn.Query(ctx, q, d.cluster)
	if err != nil {
		return nil, fmt.Errorf("listing cluster nodes: %w", err)
	}
	defer rows.Close()

	var nodes []NodeIdentity
	for rows.Next() {
		var n NodeIdentity
		if err := rows.Scan(&n.ID, &n.Cluster, &n.Conninfo); err != nil {
			return nil, fmt.Errorf("scanning cluster node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing cluster nodes: %w", err)
	}
	return nodes, nil
}

// FindPrimary walks the registry and probes each member until one reports
// it is not a standby. Returns that node's live session and id, or
// (nil, 0, nil) when no primary is reachable. The local node's own row is
// probed too: self-discovery is how a freshly promoted peer is noticed.
func (d *Directory) FindPrimary(ctx context.Context, local *nodeclient.Client) (*nodeclient.Client, int, error) {
	nodes, err := d.listNodes(ctx, local)
	if err != nil {
		return nil, 0, err
	}

	for _, n := range nodes {
		conn := d.dial(ctx, d.logger, n.Conninfo)
		if conn.Status() != nodeclient.StatusOK {
			conn.Close()
			continue
		}
		standby, err := d.IsStandby(ctx, conn)
		if err != nil {
			d.logger.Warn("primary probe failed", "node", n.ID, "error", err)
			conn.Close()
			continue
		}
		if !standby {
			d.logger.Info("found cluster primary", "node", n.ID)
			return conn, n.ID, nil
		}
		conn.Close()
	}
	return nil, 0, nil
}

// EnsureSelfRegistered inserts this node into repl_nodes if absent. The
// existence check runs on the local session; the insert, like every
// registry write, goes through the primary.
func (d *Directory) EnsureSelfRegistered(ctx context.Context, local, primary *nodeclient.Client, self NodeIdentity) error {
	q := fmt.Sprintf("SELECT id FROM %s.repl_nodes WHERE id = $1 AND cluster = $2", d.schema)
	var id int
	err := local.QueryRow(ctx, q, self.ID, d.cluster).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking node registration: %w", err)
	}

	d.logger.Info("registering node in cluster", "node", self.ID, "cluster", d.cluster)
	ins := fmt.Sprintf("INSERT INTO %s.repl_nodes VALUES ($1, $2, $3)", d.schema)
	if err := primary.Exec(ctx, ins, self.ID, d.cluster, self.Conninfo); err != nil {
		return fmt.Errorf("registering node %d: %w", self.ID, err)
	}
	return nil
}

// ListPeerStandbys returns the registered standbys other than self: the
// candidate cohort for an election.
func (d *Directory) ListPeerStandbys(ctx context.Context, conn *nodeclient.Client, selfID int) ([]NodeIdentity, error) {
	q := fmt.Sprintf(
		"SELECT id, cluster, conninfo FROM %s.repl_nodes "+
			"WHERE id IN (SELECT standby_node FROM %s.repl_status WHERE standby_node <> $1) "+
			"AND cluster = $2", d.schema, d.schema)
	rows, err := conn.Query(ctx, q, selfID, d.cluster)
	if err != nil {
		return nil, fmt.Errorf("listing peer standbys: %w", err)
	}
	defer rows.Close()

	var peers []NodeIdentity
	for rows.Next() {
		var n NodeIdentity
		if err := rows.Scan(&n.ID, &n.Cluster, &n.Conninfo); err != nil {
			return nil, fmt.Errorf("scanning peer standby row: %w", err)
		}
		peers = append(peers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing peer standbys: %w", err)
	}
	return peers, nil
}

// PublishStandbyLocation writes this standby's applied WAL position to the
// shared register peers read during elections. Last writer wins.
func (d *Directory) PublishStandbyLocation(ctx context.Context, local *nodeclient.Client, location string) error {
	return local.Exec(ctx, "SELECT pg_update_standby_location($1)", location)
}

// LastStandbyLocation reads a peer's published WAL position. The result is
// a single row; only row 0 carries the value.
func (d *Directory) LastStandbyLocation(ctx context.Context, peer *nodeclient.Client) (string, error) {
	var loc string
	if err := peer.QueryRow(ctx, "SELECT repmgr_get_last_standby_location()").Scan(&loc); err != nil {
		return "", fmt.Errorf("reading peer standby location: %w", err)
	}
	return loc, nil
}

// Dial opens a short-lived optional session to conninfo.
func (d *Directory) Dial(ctx context.Context, conninfo string) *nodeclient.Client {
	return d.dial(ctx, d.logger, conninfo)
}
