package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"triangulum/internal/logging"
	"triangulum/internal/types"
)

// DefaultMaxOutputBytes caps what a repair command may print on each stream.
const DefaultMaxOutputBytes = 1 << 20

// waitDelay bounds how long Run waits for grandchildren holding the output
// pipes after the command itself is killed.
const waitDelay = 2 * time.Second

// Command runs an external program per session. The ticket is written to
// stdin as JSON and exposed through TRIANGULUM_TICKET_ID,
// TRIANGULUM_SEVERITY and TRIANGULUM_DESCRIPTION.
//
// If the last non-empty stdout line is a JSON result with a status, that
// result is used. Otherwise exit 0 is success and any other exit is a
// failure carrying the stderr tail as its reason.
type Command struct {
	Binary         string
	Args           []string
	Dir            string
	MaxOutputBytes int64
}

// NewCommand builds a repairer from argv.
func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("repair command is empty")
	}
	return &Command{Binary: argv[0], Args: argv[1:], MaxOutputBytes: DefaultMaxOutputBytes}, nil
}

// Repair implements core.Repairer.
func (c *Command) Repair(ctx context.Context, t types.Ticket) (types.Result, error) {
	input, err := json.Marshal(t)
	if err != nil {
		return types.Result{}, fmt.Errorf("encode ticket: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"TRIANGULUM_TICKET_ID="+t.ID,
		"TRIANGULUM_SEVERITY="+strconv.Itoa(t.Severity),
		"TRIANGULUM_DESCRIPTION="+t.Description,
	)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = waitDelay

	limit := c.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: limit}
	stderr := &limitedWriter{w: &stderrBuf, max: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logging.ExecutorDebug("running repair command %s for %s", c.Binary, t.ID)
	runErr := cmd.Run()

	if ctx.Err() != nil {
		return types.Result{}, ctx.Err()
	}
	if stdout.truncated || stderr.truncated {
		logging.ExecutorWarn("repair command output for %s truncated: %d bytes discarded", t.ID, stdout.discarded+stderr.discarded)
	}

	if res, ok := parseResult(stdoutBuf.String()); ok {
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return types.Result{Status: types.StatusSuccess}, nil
	case errors.As(runErr, &exitErr):
		reason := lastLine(stderrBuf.String())
		if reason == "" {
			reason = "repair command exited " + strconv.Itoa(exitErr.ExitCode())
		}
		return types.Result{
			Status:  types.StatusFailed,
			Reason:  reason,
			Details: map[string]string{"exit_code": strconv.Itoa(exitErr.ExitCode())},
		}, nil
	default:
		// Could not start the program at all
		return types.Result{}, fmt.Errorf("run %s: %w", c.Binary, runErr)
	}
}

func parseResult(stdout string) (types.Result, bool) {
	line := lastLine(stdout)
	if !strings.HasPrefix(line, "{") {
		return types.Result{}, false
	}
	var res types.Result
	if err := json.Unmarshal([]byte(line), &res); err != nil || res.Status == "" {
		return types.Result{}, false
	}
	return res, true
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
