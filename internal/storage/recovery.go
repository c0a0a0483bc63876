package storage

import (
	"errors"
	"fmt"
	"time"

	"triangulum/internal/logging"
	"triangulum/internal/types"
)

// SubmittedPayload is the body of a submitted event. Requeued marks a ticket
// that was already launched once and is being put back in the queue.
type SubmittedPayload struct {
	Ticket   types.Ticket `json:"ticket"`
	Requeued bool         `json:"requeued,omitempty"`
}

// LaunchedPayload is the body of a launched event.
type LaunchedPayload struct {
	Ticket    types.Ticket `json:"ticket"`
	SessionID string       `json:"session_id"`
}

// CompletedPayload is the body of a completed event.
type CompletedPayload struct {
	TicketID  string             `json:"ticket_id"`
	SessionID string             `json:"session_id"`
	Status    types.ResultStatus `json:"status"`
	Reason    string             `json:"reason,omitempty"`
}

// Apply folds one event into the state. Every transition is idempotent so a
// replay that overlaps the snapshot boundary cannot duplicate a ticket.
func (s *State) Apply(ev Event) error {
	s.normalize()

	switch ev.Type {
	case EventSubmitted:
		var p SubmittedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Ticket.ID == "" {
			return fmt.Errorf("submitted event %d: empty ticket id", ev.Timestamp)
		}
		delete(s.InFlight, p.Ticket.ID)
		if s.pendingIndex(p.Ticket.ID) < 0 {
			s.Pending = append(s.Pending, p.Ticket)
		}

	case EventLaunched:
		var p LaunchedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Ticket.ID == "" {
			return fmt.Errorf("launched event %d: empty ticket id", ev.Timestamp)
		}
		if i := s.pendingIndex(p.Ticket.ID); i >= 0 {
			s.removePending(i)
		}
		s.InFlight[p.Ticket.ID] = types.SessionSummary{
			Ticket:     p.Ticket,
			SessionID:  p.SessionID,
			LaunchedAt: time.Unix(0, ev.Timestamp).UTC(),
		}

	case EventCompleted:
		var p CompletedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		delete(s.InFlight, p.TicketID)
		if i := s.pendingIndex(p.TicketID); i >= 0 {
			s.removePending(i)
		}

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

// EventReader replays a log. *Log and LogFile implement it.
type EventReader interface {
	ReadEvents() ([]Event, error)
}

// LogFile reads a log without an append handle, for offline inspection.
type LogFile string

// ReadEvents replays the file, stopping quietly at the first bad frame.
func (f LogFile) ReadEvents() ([]Event, error) {
	rep, err := InspectLog(string(f))
	return rep.Events, err
}

// Recovered is the result of merging the latest snapshot with newer log
// entries.
type Recovered struct {
	State         State
	SnapshotID    int64 // 0 when no snapshot was usable
	Replayed      int   // log events applied on top of the snapshot
	Skipped       int   // events that failed to apply
	LastTimestamp int64 // newest stamp seen in the log
}

// Recover rebuilds state from the newest valid snapshot plus every log event
// stamped after it. With no snapshot the whole log is replayed. In-flight
// sessions are left in State.InFlight; the caller decides how to requeue them.
func Recover(log EventReader, snaps *SnapshotStore) (Recovered, error) {
	var out Recovered

	snapID, state, err := snaps.RestoreLatest()
	switch {
	case err == nil:
		out.SnapshotID = snapID
		out.State = state
	case errors.Is(err, ErrNoSnapshot):
		out.State = NewState()
	default:
		return Recovered{}, fmt.Errorf("restore snapshot: %w", err)
	}

	events, err := log.ReadEvents()
	if err != nil {
		return Recovered{}, fmt.Errorf("replay log: %w", err)
	}

	for _, ev := range events {
		if ev.Timestamp > out.LastTimestamp {
			out.LastTimestamp = ev.Timestamp
		}
		if ev.Timestamp <= out.SnapshotID {
			continue
		}
		if err := out.State.Apply(ev); err != nil {
			logging.RecoveryWarn("skipping log event %d: %v", ev.Timestamp, err)
			out.Skipped++
			continue
		}
		out.Replayed++
	}

	logging.Recovery("recovered: snapshot=%d replayed=%d skipped=%d pending=%d in_flight=%d",
		out.SnapshotID, out.Replayed, out.Skipped, len(out.State.Pending), len(out.State.InFlight))
	return out, nil
}
