package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triangulum/internal/types"
)

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not settle", task.ID())
	}
}

func TestTaskPollNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	task := StartTask(context.Background(), "s1", func(ctx context.Context) (types.Result, error) {
		<-release
		return types.Result{Status: types.StatusSuccess}, nil
	}, nil)

	state, _, _ := task.Poll()
	assert.Equal(t, TaskRunning, state)

	close(release)
	waitTask(t, task)

	state, res, err := task.Poll()
	assert.Equal(t, TaskSucceeded, state)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
}

func TestTaskErrorIsFailed(t *testing.T) {
	task := StartTask(context.Background(), "s1", func(ctx context.Context) (types.Result, error) {
		return types.Result{}, errors.New("verifier crashed")
	}, nil)
	waitTask(t, task)

	state, res, err := task.Poll()
	assert.Equal(t, TaskFailed, state)
	assert.EqualError(t, err, "verifier crashed")

	final := ResultOf(state, res, err)
	assert.Equal(t, types.StatusFailed, final.Status)
	assert.Equal(t, "verifier crashed", final.Reason)
}

func TestTaskPanicIsRecovered(t *testing.T) {
	exited := make(chan struct{})
	task := StartTask(context.Background(), "s-panic", func(ctx context.Context) (types.Result, error) {
		panic("nil patch")
	}, func() { close(exited) })
	waitTask(t, task)
	<-exited

	state, _, err := task.Poll()
	assert.Equal(t, TaskFailed, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil patch")
}

func TestTaskCancel(t *testing.T) {
	task := StartTask(context.Background(), "s1", func(ctx context.Context) (types.Result, error) {
		<-ctx.Done()
		return types.Result{}, ctx.Err()
	}, nil)

	task.Cancel()
	waitTask(t, task)
	state, _, err := task.Poll()
	assert.Equal(t, TaskFailed, state)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultOfMissingStatus(t *testing.T) {
	res := ResultOf(TaskSucceeded, types.Result{}, nil)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.NotEmpty(t, res.Reason)

	res = ResultOf(TaskSucceeded, types.Result{Status: types.StatusEscalated, Reason: "needs review"}, nil)
	assert.Equal(t, types.StatusEscalated, res.Status)
}

func TestTaskStateString(t *testing.T) {
	assert.Equal(t, "running", TaskRunning.String())
	assert.Equal(t, "succeeded", TaskSucceeded.String())
	assert.Equal(t, "failed", TaskFailed.String())
	assert.Equal(t, "unknown(9)", TaskState(9).String())
}
