package storage

import (
	"triangulum/internal/types"
)

// State is the recoverable runtime state: what is queued and what was
// running. Pending preserves submission order.
type State struct {
	Pending  []types.Ticket                  `json:"pending"`
	InFlight map[string]types.SessionSummary `json:"in_flight"`
}

// NewState returns an empty state.
func NewState() State {
	return State{
		Pending:  []types.Ticket{},
		InFlight: make(map[string]types.SessionSummary),
	}
}

// normalize replaces nil collections so an empty state always serializes
// as {"pending":[],"in_flight":{}}.
func (s *State) normalize() {
	if s.Pending == nil {
		s.Pending = []types.Ticket{}
	}
	if s.InFlight == nil {
		s.InFlight = make(map[string]types.SessionSummary)
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := NewState()
	out.Pending = append(out.Pending, s.Pending...)
	for id, sum := range s.InFlight {
		out.InFlight[id] = sum
	}
	return out
}

// pendingIndex returns the index of id in Pending, or -1.
func (s *State) pendingIndex(id string) int {
	for i, t := range s.Pending {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) removePending(i int) types.Ticket {
	t := s.Pending[i]
	s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
	return t
}

// Contains reports whether id is queued or running.
func (s *State) Contains(id string) bool {
	if _, ok := s.InFlight[id]; ok {
		return true
	}
	return s.pendingIndex(id) >= 0
}

// RequeueInFlight moves every in-flight ticket back to pending and returns
// the moved tickets, oldest launch first. Worker state does not survive a
// restart, so a launched-but-never-completed ticket must run again.
func (s *State) RequeueInFlight() []types.Ticket {
	s.normalize()
	moved := make([]types.Ticket, 0, len(s.InFlight))
	for _, sum := range sortedSummaries(s.InFlight) {
		moved = append(moved, sum.Ticket)
		s.Pending = append(s.Pending, sum.Ticket)
	}
	s.InFlight = make(map[string]types.SessionSummary)
	return moved
}

// sortedSummaries orders summaries by launch time, then ticket id.
func sortedSummaries(m map[string]types.SessionSummary) []types.SessionSummary {
	out := make([]types.SessionSummary, 0, len(m))
	for _, sum := range m {
		out = append(out, sum)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && summaryLess(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func summaryLess(a, b types.SessionSummary) bool {
	if !a.LaunchedAt.Equal(b.LaunchedAt) {
		return a.LaunchedAt.Before(b.LaunchedAt)
	}
	return a.Ticket.ID < b.Ticket.ID
}
