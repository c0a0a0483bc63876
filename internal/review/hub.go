// Package review holds sessions that a repair attempt escalated for a human
// decision. The Hub is an explicit handle passed to the supervisor and the
// control API; there is no package-level instance.
package review

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"triangulum/internal/clock"
	"triangulum/internal/logging"
	"triangulum/internal/types"
)

// Status is the review state of an item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Verdict is a human decision.
type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

var (
	ErrNotFound        = errors.New("review item not found")
	ErrAlreadyDecided  = errors.New("review item already decided")
	ErrInvalidDecision = errors.New("decision must be approve or reject")
)

// Item is one escalated session awaiting or holding a decision.
type Item struct {
	TicketID    string            `json:"ticket_id"`
	SessionID   string            `json:"session_id"`
	Severity    int               `json:"severity"`
	Description string            `json:"description"`
	Reason      string            `json:"reason,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Status      Status            `json:"status"`
	AddedAt     time.Time         `json:"added_at"`
	DecidedAt   time.Time         `json:"decided_at,omitempty"`
}

// Decision is delivered to subscribers when an item is decided.
type Decision struct {
	TicketID string  `json:"ticket_id"`
	Verdict  Verdict `json:"verdict"`
}

// Hub is a concurrency-safe review queue.
type Hub struct {
	mu     sync.Mutex
	clock  clock.Clock
	items  map[string]*Item
	subs   map[int]chan Decision
	nextID int
}

// NewHub returns an empty hub.
func NewHub(c clock.Clock) *Hub {
	if c == nil {
		c = clock.Real()
	}
	return &Hub{
		clock: c,
		items: make(map[string]*Item),
		subs:  make(map[int]chan Decision),
	}
}

// Add queues an item for review. A ticket already in the hub is left as is;
// it returns false in that case.
func (h *Hub) Add(item Item) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.items[item.TicketID]; exists {
		return false
	}
	item.Status = StatusPending
	item.AddedAt = h.clock.Now()
	item.DecidedAt = time.Time{}
	h.items[item.TicketID] = &item
	logging.Get(logging.CategoryReview).Info("ticket %s escalated for review: %s", item.TicketID, item.Reason)
	return true
}

// Escalate adapts the hub to the supervisor's escalation hook.
func (h *Hub) Escalate(t types.Ticket, sessionID string, res types.Result) {
	h.Add(Item{
		TicketID:    t.ID,
		SessionID:   sessionID,
		Severity:    t.Severity,
		Description: t.Description,
		Reason:      res.Reason,
		Details:     res.Details,
	})
}

// Get returns a copy of the item for ticketID.
func (h *Hub) Get(ticketID string) (Item, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	it, ok := h.items[ticketID]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Pending returns items awaiting a decision, oldest first.
func (h *Hub) Pending() []Item {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Item
	for _, it := range h.items {
		if it.Status == StatusPending {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].TicketID < out[j].TicketID
	})
	return out
}

// Decide records a verdict and notifies subscribers. Subscribers whose
// buffer is full miss the notification rather than block the caller.
func (h *Hub) Decide(ticketID string, v Verdict) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	it, ok := h.items[ticketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	if it.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, ticketID, it.Status)
	}
	switch v {
	case Approve:
		it.Status = StatusApproved
	case Reject:
		it.Status = StatusRejected
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, v)
	}
	it.DecidedAt = h.clock.Now()

	d := Decision{TicketID: ticketID, Verdict: v}
	for id, ch := range h.subs {
		select {
		case ch <- d:
		default:
			logging.Get(logging.CategoryReview).Warn("subscriber %d is full, dropped decision for %s", id, ticketID)
		}
	}
	logging.Get(logging.CategoryReview).Info("ticket %s %s", ticketID, it.Status)
	logging.Audit().ReviewDecided(ticketID, string(it.Status))
	return nil
}

// Subscribe returns a channel of future decisions and a cancel func that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Decision, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Decision, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}
