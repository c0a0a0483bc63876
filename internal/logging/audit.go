package logging

import (
	"time"

	"go.uber.org/zap"
)

// CategoryAudit carries one structured entry per ticket lifecycle event.
// Entries are keyed by event name so they can be filtered out of the JSON
// stream with a single field match.
const CategoryAudit Category = "audit"

// AuditEventType names a lifecycle event.
type AuditEventType string

const (
	// Ticket lifecycle
	AuditTicketSubmitted AuditEventType = "ticket_submitted"
	AuditTicketRequeued  AuditEventType = "ticket_requeued"

	// Session lifecycle
	AuditSessionLaunched  AuditEventType = "session_launched"
	AuditSessionCompleted AuditEventType = "session_completed"

	// Durable state
	AuditSnapshotWritten AuditEventType = "snapshot_written"
	AuditRecovered       AuditEventType = "recovered"

	// Operator actions
	AuditReviewDecided AuditEventType = "review_decided"
	AuditGainsUpdated  AuditEventType = "gains_updated"
)

// AuditEvent is one audit entry. Zero-valued fields are omitted.
type AuditEvent struct {
	EventType AuditEventType
	TicketID  string
	SessionID string
	Severity  int
	Status    string
	Reason    string
	Duration  time.Duration
	Fields    map[string]interface{}
}

// AuditLogger writes audit entries through the audit category.
type AuditLogger struct {
	sessionID string
	ticketID  string
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithSession scopes entries to one session.
func AuditWithSession(ticketID, sessionID string) *AuditLogger {
	return &AuditLogger{ticketID: ticketID, sessionID: sessionID}
}

// Log writes an audit event. It is a no-op when the audit category is
// disabled.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.TicketID == "" {
		event.TicketID = a.ticketID
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	Get(CategoryAudit).Zap().Info(string(event.EventType), auditFields(event)...)
}

func auditFields(e AuditEvent) []zap.Field {
	fields := []zap.Field{zap.String("event", string(e.EventType))}
	if e.TicketID != "" {
		fields = append(fields, zap.String("ticket_id", e.TicketID))
	}
	if e.SessionID != "" {
		fields = append(fields, zap.String("session_id", e.SessionID))
	}
	if e.Severity != 0 {
		fields = append(fields, zap.Int("severity", e.Severity))
	}
	if e.Status != "" {
		fields = append(fields, zap.String("status", e.Status))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Int64("dur_ms", e.Duration.Milliseconds()))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (a *AuditLogger) TicketSubmitted(ticketID string, severity int) {
	a.Log(AuditEvent{EventType: AuditTicketSubmitted, TicketID: ticketID, Severity: severity})
}

func (a *AuditLogger) TicketRequeued(ticketID, reason string) {
	a.Log(AuditEvent{EventType: AuditTicketRequeued, TicketID: ticketID, Reason: reason})
}

func (a *AuditLogger) SessionLaunched(severity int) {
	a.Log(AuditEvent{EventType: AuditSessionLaunched, Severity: severity})
}

func (a *AuditLogger) SessionCompleted(status, reason string, d time.Duration) {
	a.Log(AuditEvent{EventType: AuditSessionCompleted, Status: status, Reason: reason, Duration: d})
}

func (a *AuditLogger) SnapshotWritten(id int64, pending, inFlight int) {
	a.Log(AuditEvent{
		EventType: AuditSnapshotWritten,
		Fields:    map[string]interface{}{"snapshot_id": id, "pending": pending, "in_flight": inFlight},
	})
}

func (a *AuditLogger) Recovered(snapshotID int64, replayed, pending, requeued int) {
	a.Log(AuditEvent{
		EventType: AuditRecovered,
		Fields: map[string]interface{}{
			"snapshot_id": snapshotID,
			"replayed":    replayed,
			"pending":     pending,
			"requeued":    requeued,
		},
	})
}

func (a *AuditLogger) ReviewDecided(ticketID, verdict string) {
	a.Log(AuditEvent{EventType: AuditReviewDecided, TicketID: ticketID, Status: verdict})
}

func (a *AuditLogger) GainsUpdated(kp, ki, kd, setpoint float64) {
	a.Log(AuditEvent{
		EventType: AuditGainsUpdated,
		Fields:    map[string]interface{}{"kp": kp, "ki": ki, "kd": kd, "setpoint": setpoint},
	})
}
