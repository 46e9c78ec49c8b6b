package budget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppendPartitionsByDay(t *testing.T) {
	dir := t.TempDir()
	store, err := NewHistoryStore(dir, nil)
	require.NoError(t, err)

	day1 := time.Date(2026, 8, 27, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 28, 0, 1, 0, 0, time.UTC)

	require.NoError(t, store.Append(UsageRecord{ID: "a", Timestamp: day1, Cost: 0.01}))
	require.NoError(t, store.Append(UsageRecord{ID: "b", Timestamp: day2, Cost: 0.02}))
	require.NoError(t, store.Append(UsageRecord{ID: "c", Timestamp: day2, Cost: 0.03}))

	data, err := os.ReadFile(filepath.Join(dir, "usage-2026-08-28.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "one JSON line per record")

	var rec UsageRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "b", rec.ID)

	_, err = os.Stat(filepath.Join(dir, "usage-2026-08-27.jsonl"))
	assert.NoError(t, err)
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	dir := t.TempDir()
	store, err := NewHistoryStore(dir, nil)
	require.NoError(t, err)

	first := MetricsSnapshot{TotalCalls: 1, TotalCost: 0.1, ByTier: map[int]TierUsage{}}
	require.NoError(t, store.SaveSnapshot(first))

	second := MetricsSnapshot{TotalCalls: 5, TotalCost: 0.9, ByTier: map[int]TierUsage{}}
	require.NoError(t, store.SaveSnapshot(second))

	data, err := os.ReadFile(filepath.Join(dir, snapshotFileName))
	require.NoError(t, err)

	var got MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(5), got.TotalCalls)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestNewHistoryStoreRequiresDir(t *testing.T) {
	_, err := NewHistoryStore("", nil)
	assert.Error(t, err)
}
