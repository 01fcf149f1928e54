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

// Package nodeclient is a thin session over one database node.
//
// A Client wraps a *sql.DB opened through lib/pq and adds the pieces the
// monitoring loop needs on top of database/sql: a cached OK/BROKEN status,
// best-effort reset, and a single-slot asynchronous statement whose result
// is harvested on the next tick (the PQsendQuery/PQcancel pattern).
//
// A Client never terminates the process. Every failure is returned to the
// caller; exit decisions belong to the supervisor and orchestrator.
package nodeclient

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Status is the coarse connection state, mirroring CONNECTION_OK /
// CONNECTION_BAD.
type Status int

const (
	StatusOK Status = iota
	StatusBroken
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "BROKEN"
}

// pingTimeout bounds the liveness probe a Reset performs.
const pingTimeout = 5 * time.Second

// Client is one session to one database node.
type Client struct {
	conninfo string
	logger   *slog.Logger

	mu     sync.Mutex
	db     *sql.DB
	broken bool
	closed bool

	async *asyncStatement
}

// asyncStatement tracks the single in-flight fire-and-forget statement.
type asyncStatement struct {
	query  string
	cancel context.CancelFunc
	done   chan error
}

// Open connects to conninfo and verifies the connection with a ping.
// Callers that require the session treat an error as fatal; that decision
// is theirs, not ours.
func Open(ctx context.Context, logger *slog.Logger, conninfo string) (*Client, error) {
	connector, err := pq.NewConnector(conninfo)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	// One session per node: the daemon's ordering guarantees assume a
	// single underlying connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Client{conninfo: conninfo, logger: logger, db: db}, nil
}

// OpenOptional connects like Open but never fails: on error it returns a
// sentinel broken session whose Status is BROKEN and on which every
// operation errors. Election peer probes use this so one unreachable node
// costs nothing but a log line.
func OpenOptional(ctx context.Context, logger *slog.Logger, conninfo string) *Client {
	c, err := Open(ctx, logger, conninfo)
	if err != nil {
		logger.Warn("connection failed", "conninfo", conninfo, "error", err)
		return NewBroken(conninfo, logger)
	}
	return c
}

// NewFromDB wraps an existing database handle. Tests use this with a fake
// connector-backed *sql.DB.
func NewFromDB(db *sql.DB, logger *slog.Logger) *Client {
	return &Client{conninfo: "test", logger: logger, db: db}
}

// NewBroken returns the sentinel broken session OpenOptional hands out for
// an unreachable node.
func NewBroken(conninfo string, logger *slog.Logger) *Client {
	return &Client{conninfo: conninfo, logger: logger, broken: true}
}

// Conninfo returns the connection string this session was opened with.
func (c *Client) Conninfo() string {
	return c.conninfo
}

// Status returns the cached connection state. It does not touch the
// network; brokenness is recorded when an operation fails with a
// connection-level error and cleared by a successful Reset.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken || c.db == nil {
		return StatusBroken
	}
	return StatusOK
}

// Reset attempts to restore a broken session with a bounded ping.
// Best-effort: failure leaves the session broken for the next attempt.
func (c *Client) Reset(ctx context.Context) {
	c.mu.Lock()
	db := c.db
	closed := c.closed
	c.mu.Unlock()
	if closed || db == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := db.PingContext(pingCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.broken = true
		return
	}
	c.broken = false
}

// Exec runs a statement and discards any rows.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return errors.New("nodeclient: session is not connected")
	}

	_, err := db.ExecContext(ctx, query, args...)
	c.noteError(err)
	return err
}

// QueryRow runs a single-row query. Scan errors surface on the returned row.
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		// A nil *sql.DB would panic; route through a closed handle so the
		// caller gets a scan error instead.
		db = brokenDB()
	}
	return db.QueryRowContext(ctx, query, args...)
}

// Query runs a multi-row query.
func (c *Client) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return nil, errors.New("nodeclient: session is not connected")
	}
	rows, err := db.QueryContext(ctx, query, args...)
	c.noteError(err)
	return rows, err
}

// SendAsync starts query in the background and returns immediately. Only
// one statement may be in flight; a second send while busy is refused so
// the caller's cancel-then-drain discipline stays intact.
func (c *Client) SendAsync(query string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil || c.closed {
		c.logger.Warn("async statement dropped, session is not connected", "query", query)
		return
	}
	if c.async != nil {
		c.logger.Warn("async statement dropped, previous statement still pending")
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	db := c.db
	go func() {
		_, err := db.ExecContext(runCtx, query, args...)
		done <- err
		close(done)
	}()
	c.async = &asyncStatement{query: query, cancel: cancel, done: done}
}

// Busy reports whether an async statement is still executing.
func (c *Client) Busy() bool {
	c.mu.Lock()
	a := c.async
	c.mu.Unlock()
	if a == nil {
		return false
	}
	select {
	case err, ok := <-a.done:
		// Completed: stash the result back so Drain still observes it.
		c.stashResult(a, err, ok)
		return false
	default:
		return true
	}
}

// stashResult re-buffers a result consumed by Busy's non-blocking peek.
func (c *Client) stashResult(a *asyncStatement, err error, ok bool) {
	if !ok {
		return
	}
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	c.mu.Lock()
	if c.async == a {
		c.async.done = ch
	}
	c.mu.Unlock()
}

// CancelInFlight cancels the pending async statement, if any. The result
// (a cancellation error) is still harvested by Drain.
func (c *Client) CancelInFlight() {
	c.mu.Lock()
	a := c.async
	c.mu.Unlock()
	if a != nil {
		a.cancel()
	}
}

// Drain harvests the pending async statement's result, waiting for it to
// finish if necessary, and frees the slot. Returns the statement's error,
// nil if it succeeded or if nothing was pending.
func (c *Client) Drain(ctx context.Context) error {
	c.mu.Lock()
	a := c.async
	c.async = nil
	c.mu.Unlock()
	if a == nil {
		return nil
	}
	defer a.cancel()

	select {
	case err := <-a.done:
		c.noteError(err)
		return err
	case <-ctx.Done():
		// Give up the slot anyway; the goroutine dies with its context.
		a.cancel()
		return ctx.Err()
	}
}

// Close cancels any in-flight statement and releases the session.
// Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	a := c.async
	c.async = nil
	db := c.db
	c.db = nil
	c.mu.Unlock()

	if a != nil {
		a.cancel()
		<-a.done
	}
	if db != nil {
		_ = db.Close()
	}
}

// noteError marks the session broken on connection-level failures. Query
// errors (bad SQL, missing function) do not change the status.
func (c *Client) noteError(err error) {
	if err == nil || !isConnectionError(err) {
		return
	}
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// brokenDB returns a handle whose every operation fails.
func brokenDB() *sql.DB {
	db := sql.OpenDB(errConnector{})
	_ = db.Close()
	return db
}

type errConnector struct{}

func (errConnector) Connect(context.Context) (driver.Conn, error) {
	return nil, errors.New("nodeclient: session is not connected")
}

func (errConnector) Driver() driver.Driver { return nil }
