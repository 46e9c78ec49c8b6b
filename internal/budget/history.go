package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const snapshotFileName = "metrics.json"

// HistoryStore persists usage history as append-only JSONL files
// partitioned by calendar day, plus a metrics snapshot file that is
// overwritten atomically on each save. Appends are guarded by a file
// lock so multiple processes sharing the directory do not interleave
// partial lines.
type HistoryStore struct {
	dir    string
	logger *zap.Logger
}

// NewHistoryStore creates the store, ensuring the directory exists.
func NewHistoryStore(dir string, logger *zap.Logger) (*HistoryStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("history directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
	}
	return &HistoryStore{dir: dir, logger: logger}, nil
}

// Append writes one usage record as a JSON line to the file for the
// record's calendar day.
func (s *HistoryStore) Append(rec UsageRecord) error {
	name := fmt.Sprintf("usage-%s.jsonl", rec.Timestamp.Format("2006-01-02"))
	path := filepath.Join(s.dir, name)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("failed to release history lock", zap.Error(err))
		}
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// SaveSnapshot atomically overwrites the metrics snapshot file by
// writing to a temporary file in the same directory and renaming it.
func (s *HistoryStore) SaveSnapshot(snap MetricsSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, snapshotFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, snapshotFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
