package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTicketAge(t *testing.T) {
	arrived := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tk := Ticket{ID: "1", Severity: 3, ArrivalTime: arrived}

	assert.Equal(t, 90*time.Second, tk.Age(arrived.Add(90*time.Second)))
	assert.Equal(t, time.Duration(0), tk.Age(arrived.Add(-time.Minute)), "future arrival clamps to zero")
}

func TestResultHelpers(t *testing.T) {
	assert.True(t, Result{Status: StatusSuccess}.Succeeded())
	assert.False(t, Result{Status: StatusEscalated}.Succeeded())

	failed := FailedResult("boom")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Reason)

	start := time.Unix(100, 0)
	o := Outcome{StartedAt: start, FinishedAt: start.Add(3 * time.Second)}
	assert.Equal(t, 3*time.Second, o.Duration())
}
