package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triangulum/internal/clock"
	"triangulum/internal/storage"
	"triangulum/internal/types"
)

// memLog is an in-memory EventLogger.
type memLog struct {
	mu     sync.Mutex
	events []storage.Event
	next   int64
	fail   error
}

func (m *memLog) LogEvent(typ storage.EventType, payload any) (storage.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return storage.Event{}, m.fail
	}
	m.next++
	ev := storage.Event{Type: typ, Timestamp: m.next}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memLog) types() []storage.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.EventType, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func tk(id string, sev int, arrival time.Time) types.Ticket {
	return types.Ticket{ID: id, Severity: sev, Description: "bug " + id, ArrivalTime: arrival}
}

func TestPriorityFormula(t *testing.T) {
	w := DefaultWeights()

	fresh := tk("a", 1, epoch)
	assert.InDelta(t, 0.14, Priority(fresh, epoch, w), 1e-9)

	aged := tk("b", 1, epoch.Add(-25*time.Hour))
	assert.InDelta(t, 0.44, Priority(aged, epoch, w), 1e-9)
	assert.Greater(t, Priority(aged, epoch, w), Priority(fresh, epoch, w))

	capped := tk("c", 99, epoch)
	assert.InDelta(t, 0.7, Priority(capped, epoch, w), 1e-9)

	future := tk("d", 5, epoch.Add(time.Hour))
	assert.InDelta(t, 0.7, Priority(future, epoch, w), 1e-9, "future arrival has zero age")
}

func TestPriorityMonotonicInAge(t *testing.T) {
	w := DefaultWeights()
	for sev := 0; sev <= 6; sev++ {
		ticket := tk("x", sev, epoch)
		prev := -1.0
		for h := 0; h <= 48; h++ {
			p := Priority(ticket, epoch.Add(time.Duration(h)*time.Hour), w)
			assert.GreaterOrEqual(t, p, prev, "sev=%d hour=%d", sev, h)
			prev = p
		}
	}
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	bad := DefaultWeights()
	bad.Beta = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultWeights()
	bad.AgeMax = 0
	assert.Error(t, bad.Validate())
}

func TestSchedulerHigherSeverityFirst(t *testing.T) {
	log := &memLog{}
	s := NewScheduler(log, WithSchedulerClock(clock.NewFake(epoch)))

	require.NoError(t, s.Submit(tk("low", 1, epoch)))
	require.NoError(t, s.Submit(tk("high", 5, epoch)))

	got, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "high", got.ID)
	got, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, "low", got.ID)

	_, ok = s.Next()
	assert.False(t, ok)
	assert.Equal(t, []storage.EventType{storage.EventSubmitted, storage.EventSubmitted}, log.types())
}

func TestSchedulerTiesBreakByInsertionOrder(t *testing.T) {
	s := NewScheduler(&memLog{}, WithSchedulerClock(clock.NewFake(epoch)))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(tk(fmt.Sprintf("t%d", i), 3, epoch)))
	}
	for i := 0; i < 5; i++ {
		got, ok := s.Next()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("t%d", i), got.ID)
	}
}

func TestSchedulerAgingPreventsStarvation(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := NewScheduler(&memLog{}, WithSchedulerClock(clk))

	require.NoError(t, s.Submit(tk("old-low", 1, epoch)))
	clk.Advance(25 * time.Hour)
	require.NoError(t, s.Submit(tk("new-low", 1, clk.Now())))
	require.NoError(t, s.Submit(tk("new-mid", 2, clk.Now())))

	got, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "old-low", got.ID, "0.44 beats 0.28 and 0.14")
}

func TestSchedulerReordersAsTimePasses(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := NewScheduler(&memLog{}, WithSchedulerClock(clk))

	require.NoError(t, s.Submit(tk("sev3", 3, epoch.Add(-time.Hour))))
	require.NoError(t, s.Submit(tk("sev1", 1, epoch.Add(-23*time.Hour))))
	// now: sev3 = 0.42+0.0125, sev1 = 0.14+0.2875
	assert.Equal(t, "sev3", s.Pending()[0].ID)

	// A day later both age terms saturate: sev3 = 0.72, sev1 = 0.44.
	clk.Advance(24 * time.Hour)
	assert.Equal(t, "sev3", s.Pending()[0].ID)

	// A newcomer of sev 5 sits at 0.7 and loses to the saturated sev3.
	require.NoError(t, s.Submit(tk("sev5", 5, clk.Now())))
	got, _ := s.Next()
	assert.Equal(t, "sev3", got.ID)
	got, _ = s.Next()
	assert.Equal(t, "sev5", got.ID)
}

func TestSchedulerSubmitNotQueuedWhenLogFails(t *testing.T) {
	log := &memLog{fail: errors.New("disk full")}
	s := NewScheduler(log)

	err := s.Submit(tk("a", 3, epoch))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerMaxPending(t *testing.T) {
	log := &memLog{}
	s := NewScheduler(log, WithMaxPending(2))

	require.NoError(t, s.Submit(tk("a", 1, epoch)))
	require.NoError(t, s.Submit(tk("b", 1, epoch)))
	err := s.Submit(tk("c", 1, epoch))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, log.types(), 2, "rejected submission is not logged")

	require.NoError(t, s.Requeue(tk("d", 1, epoch)), "requeue bypasses the bound")
	assert.Equal(t, 3, s.Len())
}

func TestSchedulerRestoreDoesNotLog(t *testing.T) {
	log := &memLog{}
	s := NewScheduler(log)

	s.Restore([]types.Ticket{tk("a", 1, epoch), tk("b", 2, epoch), tk("a", 1, epoch)})
	assert.Equal(t, 2, s.Len())
	assert.Empty(t, log.types())
	assert.True(t, s.Contains("a"))
}

func TestSchedulerMarkEvents(t *testing.T) {
	log := &memLog{}
	s := NewScheduler(log)
	a := tk("a", 2, epoch)

	require.NoError(t, s.Submit(a))
	got, ok := s.Next()
	require.True(t, ok)
	require.NoError(t, s.MarkLaunched(got, "sess"))
	require.NoError(t, s.MarkCompleted(got.ID, "sess", types.Result{Status: types.StatusSuccess}))

	assert.Equal(t, []storage.EventType{
		storage.EventSubmitted, storage.EventLaunched, storage.EventCompleted,
	}, log.types())
	assert.False(t, s.Contains("a"))
}
