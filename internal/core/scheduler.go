package core

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"time"

	"triangulum/internal/clock"
	"triangulum/internal/logging"
	"triangulum/internal/storage"
	"triangulum/internal/types"
)

// =============================================================================
// PRIORITY
// =============================================================================

// Weights parameterize the priority function. Alpha+Beta must equal 1.
type Weights struct {
	Alpha       float64       // severity weight
	Beta        float64       // age weight
	MaxSeverity int           // severities above this are capped
	AgeMax      time.Duration // age at which the age term saturates
}

// DefaultWeights returns α=0.7, β=0.3, severity cap 5 and a 24h age horizon.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.7, Beta: 0.3, MaxSeverity: 5, AgeMax: 24 * time.Hour}
}

// Validate checks the weights are usable.
func (w Weights) Validate() error {
	if w.Alpha < 0 || w.Beta < 0 {
		return fmt.Errorf("priority weights must be non-negative (alpha=%v beta=%v)", w.Alpha, w.Beta)
	}
	if math.Abs(w.Alpha+w.Beta-1) > 1e-9 {
		return fmt.Errorf("priority weights must sum to 1 (alpha=%v beta=%v)", w.Alpha, w.Beta)
	}
	if w.MaxSeverity <= 0 {
		return fmt.Errorf("max severity must be positive, got %d", w.MaxSeverity)
	}
	if w.AgeMax <= 0 {
		return fmt.Errorf("age max must be positive, got %s", w.AgeMax)
	}
	return nil
}

// Priority scores t at now:
//
//	α·min(sev, SEV_MAX)/SEV_MAX + β·min(1, age/AGE_MAX)
//
// For fixed severity the score never decreases as age grows, which is what
// keeps old low-severity tickets from starving.
func Priority(t types.Ticket, now time.Time, w Weights) float64 {
	sev := t.Severity
	if sev < 0 {
		sev = 0
	}
	if sev > w.MaxSeverity {
		sev = w.MaxSeverity
	}
	ageFrac := float64(t.Age(now)) / float64(w.AgeMax)
	if ageFrac > 1 {
		ageFrac = 1
	}
	return w.Alpha*float64(sev)/float64(w.MaxSeverity) + w.Beta*ageFrac
}

// =============================================================================
// QUEUE
// =============================================================================

// ErrQueueFull is returned by Submit when max_pending is reached.
var ErrQueueFull = errors.New("ticket queue is full")

// EventLogger is the durable sink the scheduler writes through. *storage.Log
// satisfies it.
type EventLogger interface {
	LogEvent(typ storage.EventType, payload any) (storage.Event, error)
}

type queued struct {
	ticket   types.Ticket
	seq      uint64 // insertion order, breaks ties
	priority float64
	index    int
}

// ticketHeap is a max-heap on priority, then min-heap on seq.
type ticketHeap []*queued

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x any) {
	item := x.(*queued)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Scheduler orders pending tickets by Priority and logs every transition
// before it takes effect in memory.
type Scheduler struct {
	log        EventLogger
	clock      clock.Clock
	weights    Weights
	maxPending int

	heap    ticketHeap
	members map[string]struct{}
	nextSeq uint64
}

// SchedulerOption customizes NewScheduler.
type SchedulerOption func(*Scheduler)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) SchedulerOption {
	return func(s *Scheduler) { s.weights = w }
}

// WithMaxPending bounds Submit. Zero means unbounded.
func WithMaxPending(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxPending = n }
}

// WithSchedulerClock sets the clock used for ages.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler returns an empty scheduler writing to log.
func NewScheduler(log EventLogger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		log:     log,
		clock:   clock.Real(),
		weights: DefaultWeights(),
		members: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit logs a submitted event for t and enqueues it. Nothing is enqueued if
// the append fails.
func (s *Scheduler) Submit(t types.Ticket) error {
	if s.maxPending > 0 && s.heap.Len() >= s.maxPending {
		return fmt.Errorf("%w: %d pending", ErrQueueFull, s.heap.Len())
	}
	if _, err := s.log.LogEvent(storage.EventSubmitted, storage.SubmittedPayload{Ticket: t}); err != nil {
		return fmt.Errorf("log submission of %s: %w", t.ID, err)
	}
	s.push(t)
	logging.SchedulerDebug("submitted %s, pending=%d", t, s.heap.Len())
	return nil
}

// Requeue puts a ticket that was already launched back in the queue. It is
// logged as a submitted event flagged requeued and ignores max_pending.
func (s *Scheduler) Requeue(t types.Ticket) error {
	if _, err := s.log.LogEvent(storage.EventSubmitted, storage.SubmittedPayload{Ticket: t, Requeued: true}); err != nil {
		return fmt.Errorf("log requeue of %s: %w", t.ID, err)
	}
	s.push(t)
	logging.Scheduler("requeued %s, pending=%d", t, s.heap.Len())
	return nil
}

// Restore enqueues tickets that are already durable (from recovery) without
// logging them again.
func (s *Scheduler) Restore(tickets []types.Ticket) {
	for _, t := range tickets {
		s.push(t)
	}
}

func (s *Scheduler) push(t types.Ticket) {
	if _, dup := s.members[t.ID]; dup {
		return
	}
	s.members[t.ID] = struct{}{}
	heap.Push(&s.heap, &queued{
		ticket:   t,
		seq:      s.nextSeq,
		priority: Priority(t, s.clock.Now(), s.weights),
	})
	s.nextSeq++
}

// reprioritize rescores every entry at now. Ages move together, but the age
// term saturates per ticket, so relative order can change over time.
func (s *Scheduler) reprioritize(now time.Time) {
	for _, q := range s.heap {
		q.priority = Priority(q.ticket, now, s.weights)
	}
	heap.Init(&s.heap)
}

// Next removes and returns the highest-priority ticket. The second result is
// false when the queue is empty.
func (s *Scheduler) Next() (types.Ticket, bool) {
	if s.heap.Len() == 0 {
		return types.Ticket{}, false
	}
	s.reprioritize(s.clock.Now())
	q := heap.Pop(&s.heap).(*queued)
	delete(s.members, q.ticket.ID)
	logging.SchedulerDebug("dequeued %s priority=%.3f", q.ticket, q.priority)
	return q.ticket, true
}

// MarkLaunched logs that t was dequeued for launch under sessionID.
func (s *Scheduler) MarkLaunched(t types.Ticket, sessionID string) error {
	if _, err := s.log.LogEvent(storage.EventLaunched, storage.LaunchedPayload{Ticket: t, SessionID: sessionID}); err != nil {
		return fmt.Errorf("log launch of %s: %w", t.ID, err)
	}
	return nil
}

// MarkCompleted logs the terminal result of a session.
func (s *Scheduler) MarkCompleted(ticketID, sessionID string, res types.Result) error {
	payload := storage.CompletedPayload{
		TicketID:  ticketID,
		SessionID: sessionID,
		Status:    res.Status,
		Reason:    res.Reason,
	}
	if _, err := s.log.LogEvent(storage.EventCompleted, payload); err != nil {
		return fmt.Errorf("log completion of %s: %w", ticketID, err)
	}
	return nil
}

// Len returns the number of pending tickets.
func (s *Scheduler) Len() int { return s.heap.Len() }

// Contains reports whether id is pending.
func (s *Scheduler) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Pending returns the queued tickets in current priority order without
// removing them.
func (s *Scheduler) Pending() []types.Ticket {
	now := s.clock.Now()
	cp := make(ticketHeap, 0, s.heap.Len())
	for _, q := range s.heap {
		cp = append(cp, &queued{ticket: q.ticket, seq: q.seq, priority: Priority(q.ticket, now, s.weights)})
	}
	heap.Init(&cp)
	out := make([]types.Ticket, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*queued).ticket)
	}
	return out
}
