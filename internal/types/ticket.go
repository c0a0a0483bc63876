// Package types holds the value types shared by storage, scheduling and the
// supervisor. Keeping them here breaks the import cycle between storage (which
// persists tickets) and core (which schedules them).
package types

import (
	"fmt"
	"time"
)

// Ticket is a unit of requested repair work. Tickets are immutable once
// submitted; scheduling decisions derive everything else from these fields.
type Ticket struct {
	ID          string    `json:"id"`
	Severity    int       `json:"severity"`
	Description string    `json:"description"`
	ArrivalTime time.Time `json:"arrival_time"`
}

// Age returns how long the ticket has been waiting as of now.
// A ticket whose arrival time is in the future has age zero.
func (t Ticket) Age(now time.Time) time.Duration {
	age := now.Sub(t.ArrivalTime)
	if age < 0 {
		return 0
	}
	return age
}

func (t Ticket) String() string {
	return fmt.Sprintf("ticket(%s sev=%d)", t.ID, t.Severity)
}

// SessionSummary is what a snapshot keeps about an in-flight session. The full
// ticket is retained so a requeued ticket keeps its original arrival time.
type SessionSummary struct {
	Ticket     Ticket    `json:"ticket"`
	SessionID  string    `json:"session_id"`
	LaunchedAt time.Time `json:"launched_at"`
}
