package types

import "time"

// ResultStatus is the terminal status reported by the repair collaborator.
// The runtime only branches on these values; anything else is recorded as-is.
type ResultStatus string

const (
	StatusSuccess   ResultStatus = "success"
	StatusFailed    ResultStatus = "failed"
	StatusEscalated ResultStatus = "escalated" // needs human review
)

// Result is the record a repair session eventually yields. Details is opaque
// to the runtime and only carried through to outcome storage.
type Result struct {
	Status  ResultStatus      `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Succeeded reports whether the session fixed the bug.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// FailedResult builds the result used when a session errors or panics.
func FailedResult(reason string) Result {
	return Result{Status: StatusFailed, Reason: reason}
}

// Outcome is the historical record of one harvested session.
type Outcome struct {
	SessionID  string       `json:"session_id"`
	TicketID   string       `json:"ticket_id"`
	Severity   int          `json:"severity"`
	Status     ResultStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Duration is the wall time the session held capacity.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
