package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"triangulum/internal/clock"
	"triangulum/internal/logging"
	"triangulum/internal/types"
)

// Repairer is the external repair pipeline. Repair may block for minutes and
// must honour ctx cancellation.
type Repairer interface {
	Repair(ctx context.Context, t types.Ticket) (types.Result, error)
}

// RepairFunc adapts a function to Repairer.
type RepairFunc func(ctx context.Context, t types.Ticket) (types.Result, error)

// Repair calls f.
func (f RepairFunc) Repair(ctx context.Context, t types.Ticket) (types.Result, error) {
	return f(ctx, t)
}

// ReasonDeadlineExceeded is the failure reason for sessions that outlive
// the configured session timeout.
const ReasonDeadlineExceeded = "session deadline exceeded"

// Completion is one harvested session.
type Completion struct {
	Ticket     types.Ticket
	SessionID  string
	Result     types.Result
	StartedAt  time.Time
	FinishedAt time.Time
}

// Outcome converts the completion to its historical record.
func (c Completion) Outcome() types.Outcome {
	return types.Outcome{
		SessionID:  c.SessionID,
		TicketID:   c.Ticket.ID,
		Severity:   c.Ticket.Severity,
		Status:     c.Result.Status,
		Reason:     c.Result.Reason,
		StartedAt:  c.StartedAt,
		FinishedAt: c.FinishedAt,
	}
}

type session struct {
	ticket     types.Ticket
	id         string
	launchedAt time.Time
	task       *Task
}

// ExecutorConfig bounds the executor.
type ExecutorConfig struct {
	MaxSessions    int
	SessionTimeout time.Duration // zero disables the deadline
}

// Executor runs repair sessions on independent goroutines. A launch needs
// both a worker slot and allocator capacity. Capacity is held until the
// session is harvested. The worker slot is held until the goroutine exits,
// so a session abandoned at its deadline keeps its slot until the repairer
// actually returns. Like Allocator, it is driven from the supervisor tick only.
type Executor struct {
	repairer Repairer
	alloc    *Allocator
	slots    *semaphore.Weighted
	live     atomic.Int64 // goroutines that have not exited yet
	cfg      ExecutorConfig
	clock    clock.Clock

	sessions map[string]*session
	workers  sync.WaitGroup
}

// NewExecutor wires a repairer to an allocator.
func NewExecutor(r Repairer, alloc *Allocator, cfg ExecutorConfig, c clock.Clock) *Executor {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 3
	}
	if c == nil {
		c = clock.Real()
	}
	return &Executor{
		repairer: r,
		alloc:    alloc,
		slots:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
		cfg:      cfg,
		clock:    c,
		sessions: make(map[string]*session),
	}
}

// Launch starts a session for t and returns immediately. It returns false,
// with no side effect, when every worker slot is taken or the allocator
// cannot cover the ticket.
func (e *Executor) Launch(ctx context.Context, t types.Ticket, sessionID string) bool {
	if !e.slots.TryAcquire(1) {
		logging.ExecutorDebug("launch %s refused: %d/%d workers busy", t.ID, e.live.Load(), e.cfg.MaxSessions)
		return false
	}
	if !e.alloc.Allocate(t.ID) {
		e.slots.Release(1)
		logging.ExecutorDebug("launch %s refused: %d units free, need %d", t.ID, e.alloc.Free(), e.alloc.Cost())
		return false
	}

	e.workers.Add(1)
	e.live.Add(1)
	task := StartTask(ctx, sessionID, func(ctx context.Context) (types.Result, error) {
		return e.repairer.Repair(ctx, t)
	}, func() {
		e.slots.Release(1)
		e.live.Add(-1)
		e.workers.Done()
	})

	e.sessions[t.ID] = &session{
		ticket:     t,
		id:         sessionID,
		launchedAt: e.clock.Now(),
		task:       task,
	}
	logging.Get(logging.CategoryExecutor).With("session_id", sessionID).Info("launched %s", t)
	return true
}

// CheckCompleted harvests every settled session, plus any that overran the
// session timeout, releasing their capacity. It never blocks. Results are
// ordered by launch time.
func (e *Executor) CheckCompleted() []Completion {
	now := e.clock.Now()
	var out []Completion

	for id, s := range e.sessions {
		state, res, err := s.task.Poll()
		switch {
		case state != TaskRunning:
			out = append(out, Completion{
				Ticket:     s.ticket,
				SessionID:  s.id,
				Result:     ResultOf(state, res, err),
				StartedAt:  s.launchedAt,
				FinishedAt: now,
			})
		case e.cfg.SessionTimeout > 0 && now.Sub(s.launchedAt) >= e.cfg.SessionTimeout:
			s.task.Cancel()
			logging.ExecutorWarn("session %s for %s exceeded %s, abandoning", s.id, id, e.cfg.SessionTimeout)
			out = append(out, Completion{
				Ticket:     s.ticket,
				SessionID:  s.id,
				Result:     types.FailedResult(ReasonDeadlineExceeded),
				StartedAt:  s.launchedAt,
				FinishedAt: now,
			})
		default:
			continue
		}
		e.release(id)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Ticket.ID < out[j].Ticket.ID
	})
	return out
}

func (e *Executor) release(ticketID string) {
	delete(e.sessions, ticketID)
	e.alloc.Release(ticketID)
}

// ActiveCount returns the number of unharvested sessions.
func (e *Executor) ActiveCount() int { return len(e.sessions) }

// MaxSessions returns the worker limit.
func (e *Executor) MaxSessions() int { return e.cfg.MaxSessions }

// HasSpareWorker reports whether another launch could get a worker slot.
// Abandoned sessions whose goroutine is still running count against the limit.
func (e *Executor) HasSpareWorker() bool {
	limit := int64(e.cfg.MaxSessions)
	return int64(len(e.sessions)) < limit && e.live.Load() < limit
}

// LiveWorkers returns the number of session goroutines still running,
// harvested or not.
func (e *Executor) LiveWorkers() int { return int(e.live.Load()) }

// Running reports whether ticketID has an unharvested session.
func (e *Executor) Running(ticketID string) bool {
	_, ok := e.sessions[ticketID]
	return ok
}

// RunningIDs returns the ticket ids of unharvested sessions.
func (e *Executor) RunningIDs() []string {
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summaries describes every unharvested session for snapshots.
func (e *Executor) Summaries() map[string]types.SessionSummary {
	out := make(map[string]types.SessionSummary, len(e.sessions))
	for id, s := range e.sessions {
		out[id] = types.SessionSummary{Ticket: s.ticket, SessionID: s.id, LaunchedAt: s.launchedAt}
	}
	return out
}

// Shutdown cancels every session and waits up to timeout for the workers to
// exit. All capacity is released either way; worker slots return as their
// goroutines exit. Unharvested results are dropped;
// recovery requeues their tickets.
func (e *Executor) Shutdown(timeout time.Duration) error {
	for _, s := range e.sessions {
		s.task.Cancel()
	}

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("executor shutdown: %d workers still running after %s", len(e.sessions), timeout)
	}

	for id := range e.sessions {
		e.release(id)
	}
	logging.Executor("executor stopped")
	return err
}
