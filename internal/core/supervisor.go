package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"triangulum/internal/clock"
	"triangulum/internal/logging"
	"triangulum/internal/storage"
	"triangulum/internal/types"
)

// ErrSupervisorStopped is returned by every operation after Shutdown.
var ErrSupervisorStopped = errors.New("supervisor stopped")

// =============================================================================
// COLLABORATORS
// =============================================================================

// OutcomeSink stores the history of harvested sessions.
type OutcomeSink interface {
	Record(ctx context.Context, o types.Outcome) error
}

// Escalator receives sessions whose repair needs a human decision.
type Escalator interface {
	Escalate(t types.Ticket, sessionID string, res types.Result)
}

// Metrics receives runtime counters and gauges.
type Metrics interface {
	TicketSubmitted()
	TicketRequeued()
	SessionLaunched()
	SessionCompleted(status types.ResultStatus, d time.Duration)
	SnapshotWritten()
	DurableWriteFailed(op string)
	ObserveTick(d time.Duration, backlog, active, free int, signal float64)
}

type nopMetrics struct{}

func (nopMetrics) TicketSubmitted()                                  {}
func (nopMetrics) TicketRequeued()                                   {}
func (nopMetrics) SessionLaunched()                                  {}
func (nopMetrics) SessionCompleted(types.ResultStatus, time.Duration) {}
func (nopMetrics) SnapshotWritten()                                  {}
func (nopMetrics) DurableWriteFailed(string)                         {}
func (nopMetrics) ObserveTick(time.Duration, int, int, int, float64) {}

// =============================================================================
// CONFIGURATION
// =============================================================================

// SupervisorConfig carries everything the supervisor and its components need.
type SupervisorConfig struct {
	LogPath     string
	SnapshotDir string
	SyncWrites  bool

	PoolSize      int
	CostPerTicket int

	Executor     ExecutorConfig
	DrainTimeout time.Duration

	Weights    Weights
	MaxPending int

	Gains     Gains
	Threshold float64 // admit only when the signal is strictly above this

	TickInterval  time.Duration
	SnapshotEvery int // ticks between snapshots; zero disables periodic snapshots
	SnapshotKeep  int // snapshots retained after each write; zero keeps all
}

// DefaultSupervisorConfig returns production defaults rooted at stateDir.
func DefaultSupervisorConfig(stateDir string) SupervisorConfig {
	return SupervisorConfig{
		LogPath:       filepath.Join(stateDir, "triangulum.wal"),
		SnapshotDir:   filepath.Join(stateDir, "snapshots"),
		SyncWrites:    true,
		PoolSize:      DefaultPoolSize,
		CostPerTicket: DefaultCostPerTicket,
		Executor:      ExecutorConfig{MaxSessions: 3},
		DrainTimeout:  30 * time.Second,
		Weights:       DefaultWeights(),
		Gains:         DefaultGains(),
		TickInterval:  time.Second,
		SnapshotEvery: 10,
	}
}

// Deps are the explicit handles the supervisor is built with.
type Deps struct {
	Repairer Repairer
	Clock    clock.Clock
	Outcomes OutcomeSink // optional
	Review   Escalator   // optional
	Metrics  Metrics     // optional
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Counters are lifetime totals since process start.
type Counters struct {
	Submitted      uint64 `json:"submitted"`
	Launched       uint64 `json:"launched"`
	LaunchFailures uint64 `json:"launch_failures"`
	Requeued       uint64 `json:"requeued"`
	Succeeded      uint64 `json:"succeeded"`
	Failed         uint64 `json:"failed"`
	Escalated      uint64 `json:"escalated"`
	Snapshots      uint64 `json:"snapshots"`
}

// Status is the read-only view front ends get.
type Status struct {
	Running      bool     `json:"running"`
	QueuedCount  int      `json:"queued_count"`
	ActiveCount  int      `json:"active_count"`
	FreeCapacity int      `json:"free_capacity"`
	Signal       float64  `json:"signal"`
	Ticks        uint64   `json:"ticks"`
	Counters     Counters `json:"counters"`
	Health       string   `json:"health,omitempty"`
}

// TickReport describes what one tick did.
type TickReport struct {
	Tick         uint64
	Harvested    []Completion
	Backlog      int
	Signal       float64
	Admitted     string // ticket id, empty when nothing was admitted
	LaunchFailed bool
	SnapshotID   int64 // zero when no snapshot was written
}

// Supervisor is the single coordinator. Tick, SubmitBug and Status serialize
// on mu; workers only report back through their task handles.
type Supervisor struct {
	mu sync.Mutex

	cfg     SupervisorConfig
	clock   clock.Clock
	seq     *clock.Sequence
	log     *storage.Log
	snaps   *storage.SnapshotStore
	alloc   *Allocator
	sched   *Scheduler
	pid     *AdmissionController
	exec    *Executor
	deps    Deps
	gainsCh chan Gains

	sessionCtx    context.Context
	cancelSession context.CancelFunc

	ticks     uint64
	counters  Counters
	healthErr error
	stopped   bool
	recovered storage.Recovered
}

// NewSupervisor opens storage, recovers state and requeues every session that
// was in flight when the previous process stopped.
func NewSupervisor(cfg SupervisorConfig, deps Deps) (*Supervisor, error) {
	if deps.Repairer == nil {
		return nil, errors.New("supervisor requires a repairer")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Gains.Validate(); err != nil {
		return nil, err
	}

	seq := clock.NewSequence(deps.Clock)
	wal, err := storage.OpenLog(cfg.LogPath, storage.WithLogSequence(seq), storage.WithSyncWrites(cfg.SyncWrites))
	if err != nil {
		return nil, err
	}
	snaps, err := storage.OpenSnapshotStore(cfg.SnapshotDir, seq)
	if err != nil {
		wal.Close()
		return nil, err
	}

	rec, err := storage.Recover(wal, snaps)
	if err != nil {
		wal.Close()
		return nil, err
	}

	alloc := NewAllocator(cfg.PoolSize, cfg.CostPerTicket)
	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:   cfg,
		clock: deps.Clock,
		seq:   seq,
		log:   wal,
		snaps: snaps,
		alloc: alloc,
		sched: NewScheduler(wal,
			WithWeights(cfg.Weights),
			WithMaxPending(cfg.MaxPending),
			WithSchedulerClock(deps.Clock)),
		pid:           NewAdmissionController(cfg.Gains, deps.Clock),
		exec:          NewExecutor(deps.Repairer, alloc, cfg.Executor, deps.Clock),
		deps:          deps,
		gainsCh:       make(chan Gains, 1),
		sessionCtx:    sessionCtx,
		cancelSession: cancel,
		recovered:     rec,
	}

	state := rec.State.Clone()
	s.sched.Restore(state.Pending)
	requeued := state.RequeueInFlight()
	for _, t := range requeued {
		if err := s.sched.Requeue(t); err != nil {
			cancel()
			wal.Close()
			return nil, fmt.Errorf("requeue recovered session %s: %w", t.ID, err)
		}
		s.counters.Requeued++
		deps.Metrics.TicketRequeued()
		logging.RecoveryWarn("ticket %s was in flight at last stop, requeued", t.ID)
	}
	if rec.SnapshotID != 0 || rec.Replayed > 0 {
		logging.Audit().Recovered(rec.SnapshotID, rec.Replayed, len(rec.State.Pending), len(requeued))
	}

	logging.Supervisor("supervisor ready: pending=%d pool=%d cost=%d workers=%d",
		s.sched.Len(), alloc.Size(), alloc.Cost(), s.exec.MaxSessions())
	return s, nil
}

// Recovered returns what recovery found at startup.
func (s *Supervisor) Recovered() storage.Recovered { return s.recovered }

// SubmitBug creates a ticket, logs it and queues it. The id is returned only
// after the submission is durable.
func (s *Supervisor) SubmitBug(description string, severity int) (string, error) {
	if severity < 0 {
		return "", fmt.Errorf("severity must be non-negative, got %d", severity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrSupervisorStopped
	}

	t := types.Ticket{
		ID:          strconv.FormatInt(s.seq.Next(), 10),
		Severity:    severity,
		Description: description,
		ArrivalTime: s.clock.Now(),
	}
	if err := s.sched.Submit(t); err != nil {
		if !errors.Is(err, ErrQueueFull) {
			s.recordWriteFailure("submit", err)
		}
		return "", err
	}
	s.counters.Submitted++
	s.deps.Metrics.TicketSubmitted()
	logging.Supervisor("accepted %s", t)
	logging.Audit().TicketSubmitted(t.ID, t.Severity)
	return t.ID, nil
}

// Tick runs one pass of the control loop: harvest, update the signal, admit
// at most one ticket, and snapshot on schedule.
func (s *Supervisor) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return TickReport{}, ErrSupervisorStopped
	}

	s.applyPendingGains()

	s.ticks++
	rep := TickReport{Tick: s.ticks}
	var errs []error

	// (a) harvest
	rep.Harvested = s.exec.CheckCompleted()
	for _, c := range rep.Harvested {
		if err := s.harvest(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}

	// (b) admission signal
	rep.Backlog = s.sched.Len()
	rep.Signal = s.pid.Update(float64(rep.Backlog))

	// (c) admit
	if rep.Signal > s.cfg.Threshold && s.exec.HasSpareWorker() && s.sched.Len() > 0 {
		admitted, launchFailed, err := s.admit()
		rep.Admitted = admitted
		rep.LaunchFailed = launchFailed
		if err != nil {
			errs = append(errs, err)
		}
	}

	// (d) periodic snapshot
	if s.cfg.SnapshotEvery > 0 && s.ticks%uint64(s.cfg.SnapshotEvery) == 0 {
		id, err := s.snapshotLocked()
		if err != nil {
			errs = append(errs, err)
		}
		rep.SnapshotID = id
	}

	if err := s.checkInvariantsLocked(); err != nil {
		logging.SupervisorError("invariant violation after tick %d: %v", s.ticks, err)
		errs = append(errs, err)
	}

	s.deps.Metrics.ObserveTick(time.Since(start), s.sched.Len(), s.exec.ActiveCount(), s.alloc.Free(), rep.Signal)
	logging.SupervisorDebug("tick=%d backlog=%d active=%d signal=%.3f admitted=%q",
		rep.Tick, rep.Backlog, s.exec.ActiveCount(), rep.Signal, rep.Admitted)
	return rep, errors.Join(errs...)
}

func (s *Supervisor) harvest(ctx context.Context, c Completion) error {
	var err error
	if logErr := s.sched.MarkCompleted(c.Ticket.ID, c.SessionID, c.Result); logErr != nil {
		s.recordWriteFailure("completed", logErr)
		err = logErr
	}

	switch c.Result.Status {
	case types.StatusSuccess:
		s.counters.Succeeded++
	case types.StatusEscalated:
		s.counters.Escalated++
		if s.deps.Review != nil {
			s.deps.Review.Escalate(c.Ticket, c.SessionID, c.Result)
		}
	default:
		s.counters.Failed++
	}

	s.deps.Metrics.SessionCompleted(c.Result.Status, c.FinishedAt.Sub(c.StartedAt))
	if s.deps.Outcomes != nil {
		if recErr := s.deps.Outcomes.Record(ctx, c.Outcome()); recErr != nil {
			logging.SupervisorWarn("failed to record outcome for %s: %v", c.Ticket.ID, recErr)
		}
	}

	logging.Get(logging.CategorySupervisor).With("session_id", c.SessionID).
		Info("harvested %s status=%s reason=%q", c.Ticket, c.Result.Status, c.Result.Reason)
	logging.AuditWithSession(c.Ticket.ID, c.SessionID).
		SessionCompleted(string(c.Result.Status), c.Result.Reason, c.FinishedAt.Sub(c.StartedAt))
	return err
}

// admit dequeues the next ticket, logs the launch and starts it. A ticket the
// executor refuses is requeued, never dropped.
func (s *Supervisor) admit() (string, bool, error) {
	t, ok := s.sched.Next()
	if !ok {
		return "", false, nil
	}
	sessionID := uuid.NewString()

	if err := s.sched.MarkLaunched(t, sessionID); err != nil {
		s.recordWriteFailure("launched", err)
		// Only the submission is durable; put it back without logging.
		s.sched.Restore([]types.Ticket{t})
		return "", false, err
	}

	if !s.exec.Launch(s.sessionCtx, t, sessionID) {
		s.counters.LaunchFailures++
		logging.SupervisorWarn("launch of %s refused, requeueing", t.ID)
		if err := s.sched.Requeue(t); err != nil {
			s.recordWriteFailure("requeue", err)
			s.sched.Restore([]types.Ticket{t})
			return "", true, err
		}
		s.counters.Requeued++
		s.deps.Metrics.TicketRequeued()
		logging.Audit().TicketRequeued(t.ID, "launch refused")
		return "", true, nil
	}

	s.counters.Launched++
	s.deps.Metrics.SessionLaunched()
	logging.AuditWithSession(t.ID, sessionID).SessionLaunched(t.Severity)
	return t.ID, false, nil
}

func (s *Supervisor) applyPendingGains() {
	select {
	case g := <-s.gainsCh:
		s.pid.SetGains(g)
		logging.Supervisor("admission gains updated: kp=%v ki=%v kd=%v setpoint=%v", g.Kp, g.Ki, g.Kd, g.Setpoint)
		logging.Audit().GainsUpdated(g.Kp, g.Ki, g.Kd, g.Setpoint)
	default:
	}
}

// UpdateAdmission queues new PID gains. They take effect on the next tick so
// the controller is only ever touched by the tick. A newer update replaces
// one not yet applied.
func (s *Supervisor) UpdateAdmission(g Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for {
		select {
		case s.gainsCh <- g:
			return nil
		default:
		}
		select {
		case <-s.gainsCh:
		default:
		}
	}
}

// Snapshot writes a full snapshot now.
func (s *Supervisor) Snapshot() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrSupervisorStopped
	}
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() (int64, error) {
	state := storage.State{
		Pending:  s.sched.Pending(),
		InFlight: s.exec.Summaries(),
	}
	id, err := s.snaps.Create(state)
	if err != nil {
		s.recordWriteFailure("snapshot", err)
		return 0, err
	}
	s.counters.Snapshots++
	s.deps.Metrics.SnapshotWritten()
	if s.cfg.SnapshotKeep > 0 {
		if _, err := s.snaps.Prune(s.cfg.SnapshotKeep); err != nil {
			logging.StorageWarn("snapshot prune failed: %v", err)
		}
	}
	logging.Supervisor("snapshot %d: pending=%d in_flight=%d", id, len(state.Pending), len(state.InFlight))
	logging.Audit().SnapshotWritten(id, len(state.Pending), len(state.InFlight))
	return id, nil
}

func (s *Supervisor) recordWriteFailure(op string, err error) {
	s.healthErr = fmt.Errorf("%s write failed: %w", op, err)
	s.deps.Metrics.DurableWriteFailed(op)
	logging.StorageError("durable %s write failed: %v", op, err)
}

// Health returns the most recent durable-write failure, or nil. Once set it
// stays set: recovery guarantees assume every acknowledged write happened.
func (s *Supervisor) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

// Status returns a read-only summary.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:      !s.stopped,
		QueuedCount:  s.sched.Len(),
		ActiveCount:  s.exec.ActiveCount(),
		FreeCapacity: s.alloc.Free(),
		Signal:       s.pid.Output(),
		Ticks:        s.ticks,
		Counters:     s.counters,
	}
	if s.healthErr != nil {
		st.Health = s.healthErr.Error()
	}
	return st
}

// Pending returns the queue in current priority order.
func (s *Supervisor) Pending() []types.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.Pending()
}

// InFlight returns the running sessions ordered by launch time.
func (s *Supervisor) InFlight() []types.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := s.exec.Summaries()
	out := make([]types.SessionSummary, 0, len(sums))
	for _, sum := range sums {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LaunchedAt.Before(out[j].LaunchedAt) })
	return out
}

// CheckInvariants verifies capacity accounting matches the running set and
// that no ticket is both queued and running.
func (s *Supervisor) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkInvariantsLocked()
}

func (s *Supervisor) checkInvariantsLocked() error {
	if err := s.alloc.CheckInvariant(); err != nil {
		return err
	}
	running := s.exec.RunningIDs()
	if held := len(s.alloc.HeldIDs()); held != len(running) {
		return fmt.Errorf("allocator holds %d tickets but %d sessions are running", held, len(running))
	}
	for _, id := range running {
		if !s.alloc.Holds(id) {
			return fmt.Errorf("session for %s runs without capacity", id)
		}
		if s.sched.Contains(id) {
			return fmt.Errorf("ticket %s is both queued and running", id)
		}
	}
	if n := len(running); n > s.exec.MaxSessions() {
		return fmt.Errorf("%d sessions exceed worker limit %d", n, s.exec.MaxSessions())
	}
	return nil
}

// Run ticks every TickInterval until ctx is cancelled. Tick errors are logged
// and the loop continues; Health reports durable-write failures.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Supervisor("supervisor loop started, interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			logging.Supervisor("supervisor loop stopping: %v", ctx.Err())
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				if errors.Is(err, ErrSupervisorStopped) {
					return err
				}
				logging.SupervisorError("tick failed: %v", err)
			}
		}
	}
}

// Shutdown writes a final snapshot, then stops the executor and closes the
// log. A clean stop therefore needs no replay on the next start. Calling it
// twice is a no-op.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	var errs []error
	if _, err := s.snapshotLocked(); err != nil {
		errs = append(errs, fmt.Errorf("final snapshot: %w", err))
	}
	s.stopped = true

	if err := s.exec.Shutdown(s.cfg.DrainTimeout); err != nil {
		errs = append(errs, err)
	}
	s.cancelSession()
	if err := s.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	logging.Supervisor("supervisor stopped after %d ticks", s.ticks)
	return errors.Join(errs...)
}
