package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triangulum/internal/api"
	"triangulum/internal/config"
	"triangulum/internal/core"
	"triangulum/internal/review"
	"triangulum/internal/storage"
	"triangulum/internal/types"
)

// execute runs the root command with fresh flag state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	addr, stateDir, configPath = "", "", "triangulum.yaml"
	verbose, statusJSON, configForce, noWatch, simulate = false, false, false, false, false
	submitSeverity, inspectLimit, outcomesLimit, outcomesTicket = 1, 0, 20, ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.DefaultConfig()
	c.StateDir = t.TempDir()
	c.Storage.SyncWrites = false
	c.Supervisor.TickInterval = "10ms"
	c.Simulate = config.SimulateConfig{LatencyMin: "1ms", LatencyMax: "5ms", Seed: 3}
	c.Metrics.ListenAddr = ""
	return c
}

// =============================================================================
// END TO END
// =============================================================================

func TestRunSubmitThenInspect(t *testing.T) {
	c := testConfig(t)
	d, err := newDaemon(c, daemonOptions{Simulate: true})
	require.NoError(t, err)

	ts := httptest.NewServer(d.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	out, err := execute(t, "--state-dir", c.StateDir, "--addr", ts.URL, "submit", "-s", "4", "crash", "on", "save")
	require.NoError(t, err)
	assert.Contains(t, out, "accepted ticket")

	require.Eventually(t, func() bool {
		rows, err := d.store.Recent(context.Background(), 0)
		return err == nil && len(rows) == 1
	}, 5*time.Second, 10*time.Millisecond)

	out, err = execute(t, "--state-dir", c.StateDir, "--addr", ts.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "1 succeeded")
	assert.Contains(t, out, "queue is empty")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	out, err = execute(t, "--state-dir", c.StateDir, "outcomes")
	require.NoError(t, err)
	assert.Contains(t, out, "success 1")

	out, err = execute(t, "--state-dir", c.StateDir, "inspect", "wal")
	require.NoError(t, err)
	for _, typ := range []string{"submitted", "launched", "completed"} {
		assert.Contains(t, out, typ)
	}

	out, err = execute(t, "--state-dir", c.StateDir, "inspect", "snapshots")
	require.NoError(t, err)
	assert.Contains(t, out, "ok", "shutdown writes a final snapshot")

	out, err = execute(t, "--state-dir", c.StateDir, "inspect", "recovery")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to restore")
}

func TestDaemonCountsReviewDecisions(t *testing.T) {
	d, err := newDaemon(testConfig(t), daemonOptions{Simulate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.close() })

	decisions, unsubscribe := d.hub.Subscribe(4)
	for _, id := range []string{"7", "8", "9"} {
		d.hub.Escalate(types.Ticket{ID: id, Severity: 2, Description: "flaky"}, "s-"+id, types.Result{Reason: "needs a human"})
	}
	require.NoError(t, d.hub.Decide("7", review.Approve))
	require.NoError(t, d.hub.Decide("8", review.Reject))
	require.NoError(t, d.hub.Decide("9", review.Approve))
	unsubscribe()

	d.watchReviews(context.Background(), decisions)

	expected := `
# HELP triangulum_review_decisions_total Escalated sessions decided by an operator, by verdict.
# TYPE triangulum_review_decisions_total counter
triangulum_review_decisions_total{verdict="approve"} 2
triangulum_review_decisions_total{verdict="reject"} 1
`
	require.NoError(t, testutil.GatherAndCompare(d.registry, strings.NewReader(expected),
		"triangulum_review_decisions_total"))
}

func TestRunRequiresRepairer(t *testing.T) {
	_, err := newDaemon(testConfig(t), daemonOptions{})
	assert.ErrorContains(t, err, "--simulate")
}

// =============================================================================
// OFFLINE COMMANDS
// =============================================================================

func TestInspectWALReportsTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triangulum.wal")
	l, err := storage.OpenLog(path, storage.WithSyncWrites(false))
	require.NoError(t, err)
	tk := types.Ticket{ID: "1", Severity: 3, Description: "leak", ArrivalTime: time.Now()}
	_, err = l.LogEvent(storage.EventSubmitted, storage.SubmittedPayload{Ticket: tk})
	require.NoError(t, err)
	_, err = l.LogEvent(storage.EventLaunched, storage.LaunchedPayload{Ticket: tk, SessionID: "s-1"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var out bytes.Buffer
	require.NoError(t, inspectWAL(&out, path, 1))
	s := out.String()
	assert.Contains(t, s, "3 bytes ignored")
	assert.Contains(t, s, "session s-1")
	assert.NotContains(t, s, `"leak"`, "--limit keeps only the newest event")
}

func TestInspectSnapshotsFlagsCorrupt(t *testing.T) {
	dir := t.TempDir()
	snaps, err := storage.OpenSnapshotStore(dir, nil)
	require.NoError(t, err)
	state := storage.NewState()
	state.Pending = []types.Ticket{{ID: "1"}, {ID: "2"}}
	id, err := snaps.Create(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.snapshot"), []byte("junk"), 0644))

	var out bytes.Buffer
	require.NoError(t, inspectSnapshots(&out, dir))
	s := out.String()
	assert.Contains(t, s, "corrupt")
	assert.Contains(t, s, "ok")
	assert.Less(t, strings.Index(s, "ok"), strings.Index(s, "corrupt"), "newest first")
	assert.NotZero(t, id)
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := api.StatusResponse{
		Status: core.Status{Running: true, QueuedCount: 1, ActiveCount: 1, FreeCapacity: 6, Signal: 0.25, Health: "log write failed"},
		Pending: []types.Ticket{
			{ID: "12", Severity: 2, Description: "slow query", ArrivalTime: now.Add(-90 * time.Second)},
		},
		InFlight: []types.SessionSummary{
			{Ticket: types.Ticket{ID: "11", Description: "panic"}, SessionID: "abc", LaunchedAt: now.Add(-5 * time.Second)},
		},
	}

	var out bytes.Buffer
	renderStatus(&out, st, now)
	s := out.String()
	assert.Contains(t, s, "+0.250")
	assert.Contains(t, s, "1m30s")
	assert.Contains(t, s, "abc")
	assert.Contains(t, s, "log write failed")
}

func TestRenderReviewsEmpty(t *testing.T) {
	var out bytes.Buffer
	renderReviews(&out, nil)
	assert.Contains(t, out.String(), "nothing to review")

	out.Reset()
	renderReviews(&out, []review.Item{{TicketID: "9", Severity: 5, Reason: "touches auth"}})
	assert.Contains(t, out.String(), "touches auth")
}

func TestReviewCommandsAgainstServer(t *testing.T) {
	hub := review.NewHub(nil)
	hub.Add(review.Item{TicketID: "9", Reason: "touches auth"})
	sup, err := core.NewSupervisor(core.DefaultSupervisorConfig(t.TempDir()), core.Deps{
		Repairer: core.RepairFunc(func(context.Context, types.Ticket) (types.Result, error) {
			return types.Result{Status: types.StatusSuccess}, nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sup.Shutdown() })

	ts := httptest.NewServer(api.NewServer(api.Options{Supervisor: sup, Reviews: hub}).Handler())
	defer ts.Close()
	cfgFile := filepath.Join(t.TempDir(), "none.yaml")

	out, err := execute(t, "-c", cfgFile, "--addr", ts.URL, "review", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "touches auth")

	out, err = execute(t, "-c", cfgFile, "--addr", ts.URL, "review", "approve", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "ticket 9 approved")

	_, err = execute(t, "-c", cfgFile, "--addr", ts.URL, "review", "reject", "9")
	assert.ErrorContains(t, err, "already decided")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triangulum.yaml")

	out, err := execute(t, "-c", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = execute(t, "-c", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "-c", path, "--state-dir", "/tmp/tri", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "state_dir: /tmp/tri")
	assert.Contains(t, out, "cost_per_ticket: 3")
}
