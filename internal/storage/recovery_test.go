package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triangulum/internal/clock"
	"triangulum/internal/types"
)

type fixture struct {
	dir   string
	seq   *clock.Sequence
	log   *Log
	snaps *SnapshotStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	seq := clock.NewSequence(clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	f := &fixture{dir: dir, seq: seq}
	f.log = openTestLog(t, filepath.Join(dir, "triangulum.wal"), seq)
	var err error
	f.snaps, err = OpenSnapshotStore(filepath.Join(dir, "snapshots"), seq)
	require.NoError(t, err)
	return f
}

// reopen simulates a restart: fresh handles and a fresh sequence over the same files.
func (f *fixture) reopen(t *testing.T) *fixture {
	t.Helper()
	seq := clock.NewSequence(clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	g := &fixture{dir: f.dir, seq: seq}
	g.log = openTestLog(t, filepath.Join(f.dir, "triangulum.wal"), seq)
	var err error
	g.snaps, err = OpenSnapshotStore(filepath.Join(f.dir, "snapshots"), seq)
	require.NoError(t, err)
	return g
}

func (f *fixture) submit(t *testing.T, tk types.Ticket) {
	t.Helper()
	_, err := f.log.LogEvent(EventSubmitted, SubmittedPayload{Ticket: tk})
	require.NoError(t, err)
}

func (f *fixture) launch(t *testing.T, tk types.Ticket, session string) {
	t.Helper()
	_, err := f.log.LogEvent(EventLaunched, LaunchedPayload{Ticket: tk, SessionID: session})
	require.NoError(t, err)
}

func (f *fixture) complete(t *testing.T, id, session string) {
	t.Helper()
	_, err := f.log.LogEvent(EventCompleted, CompletedPayload{TicketID: id, SessionID: session, Status: types.StatusSuccess})
	require.NoError(t, err)
}

var ignoreLaunchTime = cmpopts.IgnoreFields(types.SessionSummary{}, "LaunchedAt")

func pendingIDs(s State) []string {
	ids := make([]string, 0, len(s.Pending))
	for _, t := range s.Pending {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestRecoverEmpty(t *testing.T) {
	f := newFixture(t)

	rec, err := Recover(f.log, f.snaps)
	require.NoError(t, err)
	assert.Zero(t, rec.SnapshotID)
	assert.Zero(t, rec.Replayed)
	assert.Empty(t, rec.State.Pending)
	assert.Empty(t, rec.State.InFlight)
}

func TestRecoverFromLogOnly(t *testing.T) {
	f := newFixture(t)
	a, b, c := ticket("a", 1), ticket("b", 2), ticket("c", 3)
	f.submit(t, a)
	f.submit(t, b)
	f.submit(t, c)
	f.launch(t, a, "s-a")
	f.launch(t, b, "s-b")
	f.complete(t, "a", "s-a")

	rec, err := Recover(f.reopen(t).log, f.snaps)
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Replayed)
	assert.Equal(t, []string{"c"}, pendingIDs(rec.State))
	require.Contains(t, rec.State.InFlight, "b")
	assert.Equal(t, "s-b", rec.State.InFlight["b"].SessionID)
	assert.NotContains(t, rec.State.InFlight, "a")
}

// Submit A, B, C; snapshot; launch A; crash. Recovery must find A in flight
// and B, C pending, with nothing lost or duplicated.
func TestRecoverSnapshotPlusNewerLog(t *testing.T) {
	f := newFixture(t)
	a, b, c := ticket("A", 5), ticket("B", 3), ticket("C", 1)
	f.submit(t, a)
	f.submit(t, b)
	f.submit(t, c)

	state := NewState()
	state.Pending = []types.Ticket{a, b, c}
	snapID, err := f.snaps.Create(state)
	require.NoError(t, err)

	f.launch(t, a, "sess-A")

	g := f.reopen(t)
	rec, err := Recover(g.log, g.snaps)
	require.NoError(t, err)

	assert.Equal(t, snapID, rec.SnapshotID)
	assert.Equal(t, 1, rec.Replayed, "only the launch is newer than the snapshot")

	want := State{
		Pending: []types.Ticket{b, c},
		InFlight: map[string]types.SessionSummary{
			"A": {Ticket: a, SessionID: "sess-A"},
		},
	}
	if diff := cmp.Diff(want, rec.State, ignoreLaunchTime); diff != "" {
		t.Errorf("recovered state mismatch (-want +got):\n%s", diff)
	}

	moved := rec.State.RequeueInFlight()
	assert.Equal(t, []types.Ticket{a}, moved)
	assert.Equal(t, []string{"B", "C", "A"}, pendingIDs(rec.State))
	assert.Empty(t, rec.State.InFlight)
}

func TestRecoverIgnoresEventsCoveredBySnapshot(t *testing.T) {
	f := newFixture(t)
	a := ticket("a", 2)
	f.submit(t, a)
	f.launch(t, a, "s1")
	f.complete(t, "a", "s1")

	// Snapshot taken after completion: empty. Replaying the older events on
	// top of it would resurrect the ticket.
	_, err := f.snaps.Create(NewState())
	require.NoError(t, err)

	rec, err := Recover(f.log, f.snaps)
	require.NoError(t, err)
	assert.Zero(t, rec.Replayed)
	assert.Empty(t, rec.State.Pending)
	assert.Empty(t, rec.State.InFlight)
}

func TestRecoverRequeuedSubmissionMovesTicketBack(t *testing.T) {
	f := newFixture(t)
	a := ticket("a", 4)
	f.submit(t, a)
	f.launch(t, a, "s1")
	_, err := f.log.LogEvent(EventSubmitted, SubmittedPayload{Ticket: a, Requeued: true})
	require.NoError(t, err)

	rec, err := Recover(f.log, f.snaps)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, pendingIDs(rec.State))
	assert.Empty(t, rec.State.InFlight)
}

func TestRecoverFallsBackToOlderSnapshot(t *testing.T) {
	f := newFixture(t)
	a, b := ticket("a", 1), ticket("b", 1)
	f.submit(t, a)
	first := NewState()
	first.Pending = []types.Ticket{a}
	_, err := f.snaps.Create(first)
	require.NoError(t, err)

	f.submit(t, b)
	second := NewState()
	second.Pending = []types.Ticket{a, b}
	badID, err := f.snaps.Create(second)
	require.NoError(t, err)
	corruptSnapshot(t, f.snaps, badID)

	rec, err := Recover(f.log, f.snaps)
	require.NoError(t, err)
	assert.NotEqual(t, badID, rec.SnapshotID)
	assert.Equal(t, []string{"a", "b"}, pendingIDs(rec.State))
}

func TestRecoverSkipsUndecodablePayload(t *testing.T) {
	f := newFixture(t)
	f.submit(t, ticket("a", 1))
	_, err := f.log.LogEvent(EventSubmitted, json.RawMessage(`{"ticket":{"id":""}}`))
	require.NoError(t, err)
	f.submit(t, ticket("b", 1))

	rec, err := Recover(f.log, f.snaps)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Skipped)
	assert.Equal(t, []string{"a", "b"}, pendingIDs(rec.State))
}

func TestApplyIsIdempotent(t *testing.T) {
	s := NewState()
	a := ticket("a", 1)
	sub := mustEvent(t, EventSubmitted, 1, SubmittedPayload{Ticket: a})
	launch := mustEvent(t, EventLaunched, 2, LaunchedPayload{Ticket: a, SessionID: "s"})

	require.NoError(t, s.Apply(sub))
	require.NoError(t, s.Apply(sub))
	assert.Len(t, s.Pending, 1)

	require.NoError(t, s.Apply(launch))
	require.NoError(t, s.Apply(launch))
	assert.Empty(t, s.Pending)
	assert.Len(t, s.InFlight, 1)
	assert.Equal(t, time.Unix(0, 2).UTC(), s.InFlight["a"].LaunchedAt)

	assert.Error(t, s.Apply(Event{Type: "exploded", Payload: json.RawMessage(`{}`)}))
}

func mustEvent(t *testing.T, typ EventType, ts int64, payload any) Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{Type: typ, Timestamp: ts, Payload: raw}
}

func corruptSnapshot(t *testing.T, store *SnapshotStore, id int64) {
	t.Helper()
	path := store.path(id)
	require.NoError(t, writeFileSync(path, []byte{0, 0, 0, 0, '{', '}'}))
}

func TestRecoverFromLogFileMatchesLiveHandle(t *testing.T) {
	f := newFixture(t)
	a, b := ticket("A", 5), ticket("B", 3)
	f.submit(t, a)
	f.submit(t, b)
	f.launch(t, a, "sess-A")

	live, err := Recover(f.log, f.snaps)
	require.NoError(t, err)
	offline, err := Recover(LogFile(f.log.Path()), f.snaps)
	require.NoError(t, err)

	if diff := cmp.Diff(live.State, offline.State); diff != "" {
		t.Errorf("offline recovery differs (-live +offline):\n%s", diff)
	}
	assert.Equal(t, live.Replayed, offline.Replayed)

	empty, err := Recover(LogFile(filepath.Join(t.TempDir(), "missing.wal")), f.snaps)
	require.NoError(t, err)
	assert.Empty(t, empty.State.Pending)
}
