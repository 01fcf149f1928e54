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

// Package fakepgdb provides an in-process fake PostgreSQL for tests.
//
// It implements driver.Connector so a *sql.DB can be opened directly on it,
// with no network or wire protocol involved. Tests program results per
// query (exact, case-insensitive match) or per regexp pattern, and can
// inspect the log of queries the code under test issued.
package fakepgdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// Result is the programmed response for a query.
type Result struct {
	Columns []string
	Rows    [][]any

	// BeforeFunc runs synchronously before the result is returned. Used to
	// block a query until the test releases it.
	BeforeFunc func()
}

type patternEntry struct {
	re       *regexp.Regexp
	result   *Result
	err      error
	callback func(query string)
}

// DB is a fake PostgreSQL database. All methods are safe for concurrent use.
type DB struct {
	t testing.TB

	mu       sync.Mutex
	data     map[string]*Result
	rejected map[string]error
	patterns []patternEntry
	queries  []string
	called   map[string]int

	// neverFail makes unmatched queries return an empty result instead of
	// an error. Useful when only a subset of traffic matters to the test.
	neverFail bool

	// connErr, when set, fails every ping. Simulates a dead server for
	// reconnect-ladder tests.
	connErr error
}

// New creates a fake database bound to the test.
func New(t testing.TB) *DB {
	return &DB{
		t:        t,
		data:     make(map[string]*Result),
		rejected: make(map[string]error),
		called:   make(map[string]int),
	}
}

// OpenDB returns a *sql.DB backed by this fake.
func (db *DB) OpenDB() *sql.DB {
	return sql.OpenDB(db)
}

// AddQuery programs a result for an exact query (case-insensitive,
// whitespace-trimmed).
func (db *DB) AddQuery(query string, result *Result) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[normalize(query)] = result
}

// AddQueryPattern programs a result for any query matching pattern.
func (db *DB) AddQueryPattern(pattern string, result *Result) {
	re := regexp.MustCompile("(?is)^" + pattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, patternEntry{re: re, result: result})
}

// AddQueryPatternWithCallback is AddQueryPattern plus a callback invoked
// with the matched query before the result is returned.
func (db *DB) AddQueryPatternWithCallback(pattern string, result *Result, cb func(string)) {
	re := regexp.MustCompile("(?is)^" + pattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, patternEntry{re: re, result: result, callback: cb})
}

// RejectQuery makes an exact query fail with err.
func (db *DB) RejectQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejected[normalize(query)] = err
}

// RejectQueryPattern makes any query matching pattern fail with err.
func (db *DB) RejectQueryPattern(pattern string, err error) {
	re := regexp.MustCompile("(?is)^" + pattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, patternEntry{re: re, err: err})
}

// SetUnhealthy makes every ping fail with err until cleared with nil.
func (db *DB) SetUnhealthy(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connErr = err
}

// SetNeverFail makes unmatched queries succeed with an empty result.
func (db *DB) SetNeverFail(v bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.neverFail = v
}

// QueryLog returns every query issued so far, in order.
func (db *DB) QueryLog() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.queries...)
}

// QueryCalled returns how many times the exact query was issued.
func (db *DB) QueryCalled(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.called[normalize(query)]
}

func normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func (db *DB) lookup(query string) (*Result, error) {
	key := normalize(query)

	db.mu.Lock()
	db.queries = append(db.queries, query)
	db.called[key]++

	if err, ok := db.rejected[key]; ok {
		db.mu.Unlock()
		return nil, err
	}
	if r, ok := db.data[key]; ok {
		db.mu.Unlock()
		if r.BeforeFunc != nil {
			r.BeforeFunc()
		}
		return r, nil
	}
	// Newest programming wins, so a test can re-program a pattern mid-flight.
	for i := len(db.patterns) - 1; i >= 0; i-- {
		p := db.patterns[i]
		if p.re.MatchString(query) {
			cb := p.callback
			db.mu.Unlock()
			if cb != nil {
				cb(query)
			}
			if p.err != nil {
				return nil, p.err
			}
			if p.result.BeforeFunc != nil {
				p.result.BeforeFunc()
			}
			return p.result, nil
		}
	}
	neverFail := db.neverFail
	db.mu.Unlock()

	if neverFail {
		return &Result{}, nil
	}
	db.t.Logf("fakepgdb: query %q has no programmed result", query)
	return nil, fmt.Errorf("fakepgdb: query %q has no programmed result", query)
}

// driver.Connector

func (db *DB) Connect(context.Context) (driver.Conn, error) {
	return &conn{db: db}, nil
}

func (db *DB) Driver() driver.Driver {
	return fakeDriver{db: db}
}

type fakeDriver struct{ db *DB }

func (d fakeDriver) Open(string) (driver.Conn, error) {
	return &conn{db: d.db}, nil
}

// conn implements driver.Conn with context-aware query and exec.
type conn struct {
	db *DB
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{conn: c, query: query}, nil
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakepgdb: transactions not supported")
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	r, err := c.db.lookupCtx(ctx, expand(query, args))
	if err != nil {
		return nil, err
	}
	return &rows{result: r}, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if _, err := c.db.lookupCtx(ctx, expand(query, args)); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

// lookupCtx runs lookup but honors context cancellation even while a
// programmed BeforeFunc or callback is blocking, the way a real driver
// abandons a cancelled query.
func (db *DB) lookupCtx(ctx context.Context, query string) (*Result, error) {
	type outcome struct {
		r   *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := db.lookup(query)
		ch <- outcome{r, err}
	}()
	select {
	case o := <-ch:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return o.r, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Ping(ctx context.Context) error {
	c.db.mu.Lock()
	err := c.db.connErr
	c.db.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// expand substitutes $N placeholders with literal argument values, so
// programmed patterns can match the fully-rendered statement.
func expand(query string, args []driver.NamedValue) string {
	for i := len(args); i >= 1; i-- {
		v := args[i-1].Value
		var lit string
		switch tv := v.(type) {
		case string:
			lit = "'" + tv + "'"
		case []byte:
			lit = "'" + string(tv) + "'"
		default:
			lit = fmt.Sprintf("%v", tv)
		}
		query = strings.ReplaceAll(query, fmt.Sprintf("$%d", i), lit)
	}
	return query
}

type stmt struct {
	conn  *conn
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, values(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, values(args))
}

func values(args []driver.Value) []driver.NamedValue {
	nv := make([]driver.NamedValue, len(args))
	for i, a := range args {
		nv[i] = driver.NamedValue{Ordinal: i + 1, Value: a}
	}
	return nv
}

type rows struct {
	result *Result
	next   int
}

func (r *rows) Columns() []string {
	return r.result.Columns
}

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.next >= len(r.result.Rows) {
		return io.EOF
	}
	for i, v := range r.result.Rows[r.next] {
		dest[i] = v
	}
	r.next++
	return nil
}
