package cache

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// SnapshotManager persists the in-memory store as a length-prefixed
// sequence of JSON-encoded entries, written atomically via a temp file
// rename. Snapshots are best effort: failures log and the server keeps
// running.
type SnapshotManager struct {
	path   string
	logger *slog.Logger
}

// NewSnapshotManager creates a manager writing to path.
func NewSnapshotManager(path string, logger *slog.Logger) *SnapshotManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotManager{path: path, logger: logger}
}

// Save serializes all non-expired entries and atomically replaces the
// snapshot file.
func (m *SnapshotManager) Save(store *MemoryStore) error {
	entries := store.SnapshotEntries()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encode snapshot entry: %w", err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(raw); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	m.logger.Debug("cache snapshot saved", "entries", len(entries), "path", m.path)
	return nil
}

// Load reads the snapshot file and replays its entries into the store.
// A missing file is not an error; it just means a cold start.
func (m *SnapshotManager) Load(store *MemoryStore) (int, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []SnapshotEntry
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("read snapshot record length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return 0, fmt.Errorf("read snapshot record: %w", err)
		}
		var entry SnapshotEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return 0, fmt.Errorf("decode snapshot record: %w", err)
		}
		entries = append(entries, entry)
	}

	store.RestoreSnapshot(entries)
	return len(entries), nil
}
