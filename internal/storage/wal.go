package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"triangulum/internal/clock"
	"triangulum/internal/logging"
)

// EventType names a state transition recorded in the log.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventLaunched  EventType = "launched"
	EventCompleted EventType = "completed"
)

// Event is one decoded log record.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix nanoseconds, strictly increasing
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Log is the append-only write-ahead log. Appends go through one
// O_APPEND handle; replay opens its own read cursor so reading never
// disturbs the write position.
type Log struct {
	mu         sync.Mutex
	path       string
	file       logFile
	seq        *clock.Sequence
	syncWrites bool
	appended   int64
	size       int64 // end of the last complete frame
	failed     error // set when a torn append could not be rolled back
}

// logFile is the slice of *os.File the append path uses.
type logFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// LogOption customizes OpenLog.
type LogOption func(*Log)

// WithLogSequence shares a stamp source with the snapshot store.
func WithLogSequence(seq *clock.Sequence) LogOption {
	return func(l *Log) { l.seq = seq }
}

// WithSyncWrites controls whether every append is followed by fsync.
// Defaults to true.
func WithSyncWrites(sync bool) LogOption {
	return func(l *Log) { l.syncWrites = sync }
}

// OpenLog opens (creating if needed) the log at path.
func OpenLog(path string, opts ...LogOption) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	l := &Log{path: path, file: f, syncWrites: true}
	for _, opt := range opts {
		opt(l)
	}
	if l.seq == nil {
		l.seq = clock.NewSequence(clock.Real())
	}
	if err := l.repairTail(); err != nil {
		f.Close()
		return nil, err
	}
	logging.StorageDebug("log opened: path=%s sync=%v size=%d", path, l.syncWrites, l.size)
	return l, nil
}

// repairTail cuts the file back to the end of its last good frame. Replay
// stops at the first bad frame, so anything appended after a torn tail
// would otherwise be unreachable.
func (l *Log) repairTail() error {
	rep, err := InspectLog(l.path)
	if err != nil {
		return err
	}
	l.size = rep.Valid
	if rep.StopErr == nil && rep.Valid == rep.Size {
		return nil
	}
	logging.StorageWarn("log %s: dropping %d bytes after offset %d: %v",
		l.path, rep.Size-rep.Valid, rep.Valid, rep.StopErr)
	if err := l.file.Truncate(rep.Valid); err != nil {
		return fmt.Errorf("failed to truncate torn log tail: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync repaired log: %w", err)
	}
	return nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// LogEvent serializes {type, timestamp, payload} and appends it as one frame.
// It returns only after the frame has been written (and fsynced unless
// disabled); this is the durability boundary for every state change.
func (l *Log) LogEvent(typ EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Event{}, fmt.Errorf("append %s: log is closed", typ)
	}
	if l.failed != nil {
		return Event{}, fmt.Errorf("append %s: log unusable: %w", typ, l.failed)
	}

	ev := Event{Type: typ, Timestamp: l.seq.Next(), Payload: raw}
	body, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", typ, err)
	}
	frame, err := encodeFrame(body)
	if err != nil {
		return Event{}, err
	}

	if _, err := l.file.Write(frame); err != nil {
		return Event{}, l.rollback(fmt.Errorf("append %s: %w", typ, err))
	}
	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return Event{}, l.rollback(fmt.Errorf("sync %s: %w", typ, err))
		}
	}
	l.size += int64(len(frame))
	l.appended++
	return ev, nil
}

// rollback truncates a failed append back to the last complete frame. If
// that fails too the log refuses every later append. Callers hold l.mu.
func (l *Log) rollback(cause error) error {
	err := l.file.Truncate(l.size)
	if err == nil && l.syncWrites {
		err = l.file.Sync()
	}
	if err != nil {
		l.failed = cause
		logging.StorageError("log %s unusable: %v (rollback: %v)", l.path, cause, err)
		return fmt.Errorf("%w (rollback failed: %v)", cause, err)
	}
	logging.StorageWarn("log %s: rolled back failed append to offset %d: %v", l.path, l.size, cause)
	return cause
}

// ReadEvents replays the log from the start, verifying every frame. The
// first truncated, corrupt or undecodable frame ends the stream: everything
// before it is returned and no error is raised, since a torn tail is the
// expected shape of an interrupted append. Only failing to open the file
// is an error; a missing file is an empty log.
func (l *Log) ReadEvents() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log for replay: %w", err)
	}
	defer f.Close()

	events, offset, stopErr := readEvents(f)
	if stopErr != nil {
		logging.StorageWarn("log replay stopped at offset %d after %d valid events: %v", offset, len(events), stopErr)
	}
	for _, ev := range events {
		l.seq.Observe(ev.Timestamp)
	}
	return events, nil
}

// readEvents decodes frames until EOF or the first bad frame. It returns the
// byte offset of the end of the last good frame and the reason it stopped
// (nil at a clean EOF).
func readEvents(r io.Reader) ([]Event, int64, error) {
	br := bufio.NewReader(r)
	var (
		events []Event
		offset int64
	)
	for {
		payload, err := readFrame(br)
		if err == io.EOF {
			return events, offset, nil
		}
		if err != nil {
			return events, offset, err
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return events, offset, fmt.Errorf("decode frame: %w", err)
		}
		if ev.Type == "" {
			return events, offset, errors.New("decode frame: missing event type")
		}
		events = append(events, ev)
		offset += int64(frameHeaderSize + len(payload))
	}
}

// Clear discards every entry. Nothing calls this automatically; the log is
// not compacted after snapshots.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("clear: log is closed")
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync truncated log: %w", err)
		}
	}
	l.size = 0
	l.failed = nil
	logging.Storage("log cleared: %s", l.path)
	return nil
}

// Appended returns how many events this handle has written.
func (l *Log) Appended() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appended
}

// Close releases the append handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// LogReport describes a log file scanned without an append handle.
type LogReport struct {
	Events  []Event
	Valid   int64 // bytes covered by good frames
	Size    int64
	StopErr error // why the scan ended before Size, nil at a clean end
}

// InspectLog scans the log at path read-only. A missing file is an empty
// report.
func InspectLog(path string) (LogReport, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LogReport{}, nil
		}
		return LogReport{}, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return LogReport{}, fmt.Errorf("failed to stat log: %w", err)
	}
	events, offset, stopErr := readEvents(f)
	return LogReport{Events: events, Valid: offset, Size: info.Size(), StopErr: stopErr}, nil
}
