package core

import (
	"context"
	"fmt"
	"sync"

	"triangulum/internal/logging"
	"triangulum/internal/types"
)

// TaskState is the lifecycle position of a Task.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskSucceeded
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Task is a handle on one asynchronous repair attempt. It starts when created
// and is only ever observed through Poll, which never blocks.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  TaskState
	result types.Result
	err    error
}

// StartTask runs fn in its own goroutine. A panic in fn is recovered and
// reported as TaskFailed. onExit, if non-nil, runs after the task settles and
// before Done is closed.
func StartTask(ctx context.Context, id string, fn func(context.Context) (types.Result, error), onExit func()) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{id: id, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer func() {
			if onExit != nil {
				onExit()
			}
		}()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryExecutor).Error("PANIC RECOVERED in session %s: %v", id, r)
				t.settle(types.Result{}, fmt.Errorf("session %s panicked: %v", id, r))
			}
		}()

		res, err := fn(ctx)
		t.settle(res, err)
	}()
	return t
}

func (t *Task) settle(res types.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskRunning {
		return
	}
	t.result = res
	t.err = err
	if err != nil {
		t.state = TaskFailed
	} else {
		t.state = TaskSucceeded
	}
}

// ID returns the session id the task was started with.
func (t *Task) ID() string { return t.id }

// Poll returns the current state without blocking. Result and error are only
// meaningful once the state is no longer TaskRunning.
func (t *Task) Poll() (TaskState, types.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.result, t.err
}

// Cancel asks the task to stop. The task still settles on its own.
func (t *Task) Cancel() { t.cancel() }

// Done is closed once the task has settled.
func (t *Task) Done() <-chan struct{} { return t.done }

// ResultOf converts a settled task into the record the runtime stores. Errors
// become failed results.
func ResultOf(state TaskState, res types.Result, err error) types.Result {
	if state == TaskFailed || err != nil {
		reason := "session failed"
		if err != nil {
			reason = err.Error()
		}
		return types.FailedResult(reason)
	}
	if res.Status == "" {
		res.Status = types.StatusFailed
		if res.Reason == "" {
			res.Reason = "repairer returned no status"
		}
	}
	return res
}
