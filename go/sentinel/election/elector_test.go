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

package election

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsentinel/pgsentinel/go/sentinel/directory"
	"github.com/pgsentinel/pgsentinel/go/sentinel/exitcode"
	"github.com/pgsentinel/pgsentinel/go/sentinel/metrics"
	"github.com/pgsentinel/pgsentinel/go/sentinel/nodeclient"
	"github.com/pgsentinel/pgsentinel/go/tools/fakepgdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// electionHarness assembles an elector over fake databases: one local
// standby plus any number of peers addressed by conninfo.
type electionHarness struct {
	t        *testing.T
	localDB  *fakepgdb.DB
	peers    map[string]*fakepgdb.DB
	commands []string
	elector  *Elector
}

func newHarness(t *testing.T, selfID int, selfLocation string, peerRows [][]any) *electionHarness {
	h := &electionHarness{
		t:       t,
		localDB: fakepgdb.New(t),
		peers:   map[string]*fakepgdb.DB{},
	}

	h.localDB.AddQuery("SELECT pg_last_xlog_replay_location()", &fakepgdb.Result{
		Columns: []string{"pg_last_xlog_replay_location"},
		Rows:    [][]any{{selfLocation}},
	})
	h.localDB.AddQueryPattern("SELECT pg_update_standby_location\\(.*\\)", &fakepgdb.Result{})
	h.localDB.AddQueryPattern("SELECT id, cluster, conninfo FROM repmgr_prod\\.repl_nodes.*", &fakepgdb.Result{
		Columns: []string{"id", "cluster", "conninfo"},
		Rows:    peerRows,
	})

	dial := func(ctx context.Context, logger *slog.Logger, conninfo string) *nodeclient.Client {
		db, ok := h.peers[conninfo]
		if !ok {
			return nodeclient.NewBroken(conninfo, logger)
		}
		return nodeclient.NewFromDB(db.OpenDB(), logger)
	}

	dir := directory.NewWithDialer("prod", testLogger(), dial)
	local := nodeclient.NewFromDB(h.localDB.OpenDB(), testLogger())
	t.Cleanup(local.Close)

	h.elector = New(selfID, local, dir, "promote-cmd", "follow-cmd", testLogger(), metrics.New())
	h.elector.SetRunCommand(func(ctx context.Context, command string) error {
		h.commands = append(h.commands, command)
		return nil
	})
	return h
}

func (h *electionHarness) addPeer(conninfo, location string) {
	db := fakepgdb.New(h.t)
	db.AddQuery("SELECT repmgr_get_last_standby_location()", &fakepgdb.Result{
		Columns: []string{"repmgr_get_last_standby_location"},
		Rows:    [][]any{{location}},
	})
	h.peers[conninfo] = db
}

// Scenario: self 0/200, peer B 0/300 visible, peer C unreachable.
// total=3, visible=2, quorum holds; B wins; self follows.
func TestPeerWithHigherLocationWins(t *testing.T) {
	h := newHarness(t, 1, "0/200", [][]any{
		{int64(2), "prod", "host=b"},
		{int64(3), "prod", "host=c"},
	})
	h.addPeer("host=b", "0/300")

	require.NoError(t, h.elector.Elect(context.Background()))
	assert.Equal(t, []string{"follow-cmd"}, h.commands)
}

// Scenario: self has the highest location among 3 visible of 3 total.
func TestSelfWithHighestLocationPromotes(t *testing.T) {
	h := newHarness(t, 1, "1/500", [][]any{
		{int64(2), "prod", "host=b"},
		{int64(3), "prod", "host=c"},
	})
	h.addPeer("host=b", "0/300")
	h.addPeer("host=c", "1/400")

	require.NoError(t, h.elector.Elect(context.Background()))
	assert.Equal(t, []string{"promote-cmd"}, h.commands)
}

// Both peers unreachable with total=3: the truncated threshold is 3/2=1,
// and visible=1 is not strictly below it, so a lone visible node still
// passes quorum and self promotes by default.
func TestQuorumTruncationTotalThree(t *testing.T) {
	h := newHarness(t, 1, "0/200", [][]any{
		{int64(2), "prod", "host=b"},
		{int64(3), "prod", "host=c"},
	})

	require.NoError(t, h.elector.Elect(context.Background()))
	assert.Equal(t, []string{"promote-cmd"}, h.commands)
}

// With 4 registered nodes the threshold is 2: a lone visible node must
// neither promote nor follow, and exits ERR_FAILOVER_FAIL.
func TestQuorumLostTotalFour(t *testing.T) {
	h := newHarness(t, 1, "0/200", [][]any{
		{int64(2), "prod", "host=b"},
		{int64(3), "prod", "host=c"},
		{int64(4), "prod", "host=d"},
	})

	err := h.elector.Elect(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.ErrFailoverFail, exitcode.FromError(err))
	assert.Empty(t, h.commands, "no action may run without quorum")
}

func TestQuorumHoldsTotalFourWithTwoVisible(t *testing.T) {
	h := newHarness(t, 1, "0/200", [][]any{
		{int64(2), "prod", "host=b"},
		{int64(3), "prod", "host=c"},
		{int64(4), "prod", "host=d"},
	})
	h.addPeer("host=b", "0/100")

	require.NoError(t, h.elector.Elect(context.Background()))
	assert.Equal(t, []string{"promote-cmd"}, h.commands)
}

// On equal locations the incumbent keeps the candidacy: self wins a
// perfect tie. Strict less-than replacement, no node-id tiebreaker.
func TestTieKeepsSelf(t *testing.T) {
	h := newHarness(t, 5, "0/300", [][]any{
		{int64(2), "prod", "host=b"},
	})
	h.addPeer("host=b", "0/300")

	require.NoError(t, h.elector.Elect(context.Background()))
	assert.Equal(t, []string{"promote-cmd"}, h.commands)
}

// A tie between two peers resolves by traversal order: the first of the
// equals that displaced the incumbent stays.
func TestTieBetweenPeersKeepsFirstSeen(t *testing.T) {
	h := newHarness(t, 1, "0/100", [][]any{
		{int64(2), "prod", "host=b"},
		{int64(3), "prod", "host=c"},
	})
	h.addPeer("host=b", "0/300")
	h.addPeer("host=c", "0/300")

	require.NoError(t, h.elector.Elect(context.Background()))
	assert.Equal(t, []string{"follow-cmd"}, h.commands)
}

// A peer whose published location cannot be parsed is excluded from both
// candidacy and the visible count.
func TestUnparseablePeerExcluded(t *testing.T) {
	h := newHarness(t, 1, "0/200", [][]any{
		{int64(2), "prod", "host=b"},
		{int64(3), "prod", "host=c"},
	})
	h.addPeer("host=b", "not-an-lsn")
	h.addPeer("host=c", "0/100")

	require.NoError(t, h.elector.Elect(context.Background()))
	// b excluded; self 0/200 beats c 0/100.
	assert.Equal(t, []string{"promote-cmd"}, h.commands)
}

// A crashed self-report publishes the 0/0 sentinel and exits ERR_DB_QUERY
// without participating.
func TestSelfReportFailure(t *testing.T) {
	h := newHarness(t, 1, "0/200", nil)
	h.localDB.RejectQuery("SELECT pg_last_xlog_replay_location()", errors.New("wal reader gone"))

	err := h.elector.Elect(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.ErrDBQuery, exitcode.FromError(err))
	assert.Empty(t, h.commands)

	published := false
	for _, q := range h.localDB.QueryLog() {
		if q == "SELECT pg_update_standby_location('0/0')" {
			published = true
		}
	}
	assert.True(t, published, "sentinel 0/0 location was not published")
}

// An unparseable local replay location takes the same sentinel path.
func TestSelfUnparseableLocation(t *testing.T) {
	h := newHarness(t, 1, "garbage", nil)

	err := h.elector.Elect(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.ErrDBQuery, exitcode.FromError(err))
	assert.Empty(t, h.commands)
}

// Registry enumeration failure is a bad-query exit.
func TestPeerEnumerationFailure(t *testing.T) {
	h := newHarness(t, 1, "0/200", nil)
	h.localDB.RejectQueryPattern("SELECT id, cluster, conninfo FROM repmgr_prod\\.repl_nodes.*",
		errors.New("relation repl_status does not exist"))

	err := h.elector.Elect(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.ErrBadQuery, exitcode.FromError(err))
}

// The command's exit status is not examined: a failing promote still
// counts as the action taken and the election returns cleanly.
func TestCommandFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 1, "0/200", nil)
	h.elector.SetRunCommand(func(ctx context.Context, command string) error {
		h.commands = append(h.commands, command)
		return errors.New("exit status 1")
	})

	require.NoError(t, h.elector.Elect(context.Background()))
	assert.Equal(t, []string{"promote-cmd"}, h.commands)
}
