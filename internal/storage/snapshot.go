package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"triangulum/internal/clock"
	"triangulum/internal/logging"
)

const snapshotExt = ".snapshot"

var (
	// ErrSnapshotNotFound means no snapshot file exists for the id.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotCorrupt means the snapshot failed its checksum or did not decode.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
	// ErrNoSnapshot means the directory holds no restorable snapshot.
	ErrNoSnapshot = errors.New("no valid snapshot")
)

// SnapshotStore writes and reads point-in-time state files named <id>.snapshot,
// where id is a stamp from the sequence shared with the log.
type SnapshotStore struct {
	dir string
	seq *clock.Sequence
}

// OpenSnapshotStore ensures dir exists. A nil seq uses a private real-clock
// sequence, which is only safe when no log shares the directory's timeline.
func OpenSnapshotStore(dir string, seq *clock.Sequence) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if seq == nil {
		seq = clock.NewSequence(clock.Real())
	}
	s := &SnapshotStore{dir: dir, seq: seq}
	if ids, err := s.IDs(); err == nil && len(ids) > 0 {
		seq.Observe(ids[len(ids)-1])
	}
	return s, nil
}

// Dir returns the snapshot directory.
func (s *SnapshotStore) Dir() string { return s.dir }

func (s *SnapshotStore) path(id int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(id, 10)+snapshotExt)
}

// Create persists state atomically and returns its id. The body is written to
// a temp file, fsynced, then renamed into place, so a reader sees either the
// complete snapshot or none.
func (s *SnapshotStore) Create(state State) (int64, error) {
	state = state.Clone()
	state.normalize()
	body, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	id := s.seq.Next()
	final := s.path(id)
	tmp := final + ".tmp"

	if err := writeFileSync(tmp, encodeSnapshot(body)); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write snapshot %d: %w", id, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("publish snapshot %d: %w", id, err)
	}
	syncDir(s.dir)

	logging.StorageDebug("snapshot %d written: pending=%d in_flight=%d", id, len(state.Pending), len(state.InFlight))
	return id, nil
}

// Restore loads snapshot id.
func (s *SnapshotStore) Restore(id int64) (State, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
		}
		return State{}, fmt.Errorf("read snapshot %d: %w", id, err)
	}

	body, err := decodeSnapshot(data)
	if err != nil {
		return State{}, fmt.Errorf("%w: %d: %v", ErrSnapshotCorrupt, id, err)
	}
	var state State
	if err := json.Unmarshal(body, &state); err != nil {
		return State{}, fmt.Errorf("%w: %d: %v", ErrSnapshotCorrupt, id, err)
	}
	state.normalize()
	return state, nil
}

// RestoreLatest returns the newest snapshot that verifies. Corrupt snapshots
// are skipped with a warning and older ones are tried; the log is never
// compacted, so replaying from an older snapshot still reaches the same state.
func (s *SnapshotStore) RestoreLatest() (int64, State, error) {
	ids, err := s.IDs()
	if err != nil {
		return 0, State{}, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		state, err := s.Restore(ids[i])
		if err == nil {
			return ids[i], state, nil
		}
		logging.StorageWarn("skipping snapshot %d: %v", ids[i], err)
	}
	return 0, State{}, ErrNoSnapshot
}

// IDs lists snapshot ids in ascending order. Temp files and foreign files
// are ignored.
func (s *SnapshotStore) IDs() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, snapshotExt), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Prune deletes all but the newest keep snapshots. keep <= 0 disables pruning.
func (s *SnapshotStore) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	ids, err := s.IDs()
	if err != nil {
		return 0, err
	}
	if len(ids) <= keep {
		return 0, nil
	}

	removed := 0
	for _, id := range ids[:len(ids)-keep] {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("prune snapshot %d: %w", id, err)
		}
		removed++
	}
	logging.StorageDebug("pruned %d snapshots, kept %d", removed, keep)
	return removed, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir makes a rename durable. Not every platform supports fsync on a
// directory handle, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
