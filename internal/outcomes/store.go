// Package outcomes keeps the history of harvested repair sessions in SQLite.
package outcomes

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"triangulum/internal/logging"
	"triangulum/internal/types"
)

// Store records session outcomes.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the outcome database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Get(logging.CategoryOutcomes).Debug("outcome store opened: %s", dbPath)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		ticket_id   TEXT NOT NULL,
		severity    INTEGER NOT NULL,
		status      TEXT NOT NULL,
		reason      TEXT,
		started_at  INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_ticket ON outcomes(ticket_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one outcome.
func (s *Store) Record(ctx context.Context, o types.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (session_id, ticket_id, severity, status, reason, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.TicketID, o.Severity, string(o.Status), o.Reason,
		o.StartedAt.UnixNano(), o.FinishedAt.UnixNano(), o.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", o.TicketID, err)
	}
	return nil
}

// Recent returns up to n outcomes, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]types.Outcome, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, ticket_id, severity, status, reason, started_at, finished_at
		FROM outcomes ORDER BY finished_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []types.Outcome
	for rows.Next() {
		var (
			o                 types.Outcome
			status            string
			reason            sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&o.SessionID, &o.TicketID, &o.Severity, &status, &reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = types.ResultStatus(status)
		o.Reason = reason.String
		o.StartedAt = time.Unix(0, started).UTC()
		o.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ForTicket returns every attempt recorded for ticketID, oldest first.
func (s *Store) ForTicket(ctx context.Context, ticketID string) ([]types.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, severity, status, reason, started_at, finished_at
		FROM outcomes WHERE ticket_id = ? ORDER BY started_at, id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes for %s: %w", ticketID, err)
	}
	defer rows.Close()

	var out []types.Outcome
	for rows.Next() {
		o := types.Outcome{TicketID: ticketID}
		var (
			status            string
			reason            sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&o.SessionID, &o.Severity, &status, &reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = types.ResultStatus(status)
		o.Reason = reason.String
		o.StartedAt = time.Unix(0, started).UTC()
		o.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountByStatus returns how many outcomes ended in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[types.ResultStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.ResultStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[types.ResultStatus(status)] = n
	}
	return counts, rows.Err()
}
