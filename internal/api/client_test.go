package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triangulum/internal/core"
	"triangulum/internal/review"
	"triangulum/internal/types"
)

func TestClientAgainstRealSupervisor(t *testing.T) {
	sup, err := core.NewSupervisor(core.DefaultSupervisorConfig(t.TempDir()), core.Deps{
		Repairer: core.RepairFunc(func(ctx context.Context, _ types.Ticket) (types.Result, error) {
			return types.Result{Status: types.StatusSuccess}, nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sup.Shutdown() })

	hub := review.NewHub(nil)
	hub.Add(review.Item{TicketID: "esc-1", Reason: "needs eyes"})

	ts := httptest.NewServer(NewServer(Options{Supervisor: sup, Reviews: hub}).Handler())
	defer ts.Close()

	c := NewClient(ts.Listener.Addr().String())
	ctx := context.Background()

	id, err := c.Submit(ctx, "flaky retry loop", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Status.QueuedCount)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, id, st.Pending[0].ID)

	items, err := c.Reviews(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	it, err := c.Decide(ctx, "esc-1", review.Reject)
	require.NoError(t, err)
	assert.Equal(t, review.StatusRejected, it.Status)

	_, err = c.Decide(ctx, "esc-1", review.Approve)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "already decided")

	_, err = c.Outcomes(ctx, 5)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	_, err := c.Status(context.Background())
	assert.ErrorContains(t, err, "triangulum run")
}
