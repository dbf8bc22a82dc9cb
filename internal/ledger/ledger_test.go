package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oicur0t/sqlaudit/pkg/models"
)

const stream = "sql_server_push_log"

func newTestLedger(t *testing.T, now time.Time) *Ledger {
	t.Helper()
	l := New(t.TempDir(), zaptest.NewLogger(t))
	l.now = func() time.Time { return now }
	return l
}

func record(key string, generated time.Time) models.LogRecord {
	return models.LogRecord{UniqueKey: key, TimeGenerated: generated}
}

func TestLedger_EmptyFailsOpen(t *testing.T) {
	l := newTestLedger(t, time.Now())

	assert.True(t, l.LoadLastProcessedTime(stream).IsZero())
	assert.Empty(t, l.LoadDeliveredKeys(stream, 3))
}

func TestLedger_CommitAndReload(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.Local)
	l := newTestLedger(t, now)

	t1 := now.Add(-2 * time.Hour)
	t2 := now.Add(-1 * time.Hour).Add(123 * time.Millisecond)
	require.NoError(t, l.Commit(stream, []models.LogRecord{record("a", t1), record("b", t2)}, now))
	require.NoError(t, l.Commit(stream, []models.LogRecord{record("c", t1)}, now))

	assert.True(t, l.LoadLastProcessedTime(stream).Equal(t2), "sub-second precision must survive")

	keys := l.LoadDeliveredKeys(stream, 3)
	assert.Len(t, keys, 3)
	assert.Contains(t, keys, "a")
	assert.Contains(t, keys, "b")
	assert.Contains(t, keys, "c")

	data, err := os.ReadFile(l.Path(stream))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Log ID: a, Generated at: "))
	assert.Contains(t, lines[0], ", Pushed at: ")
}

func TestLedger_CommitEmptyIsNoop(t *testing.T) {
	l := newTestLedger(t, time.Now())
	require.NoError(t, l.Commit(stream, nil, time.Now()))

	_, err := os.Stat(l.Path(stream))
	assert.True(t, os.IsNotExist(err))
}

func TestLedger_LookbackWindow(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.Local)
	l := newTestLedger(t, now)

	require.NoError(t, l.Commit(stream, []models.LogRecord{
		record("old", now.AddDate(0, 0, -5)),
		record("recent", now.AddDate(0, 0, -1)),
	}, now))

	keys := l.LoadDeliveredKeys(stream, 3)
	assert.NotContains(t, keys, "old")
	assert.Contains(t, keys, "recent")

	assert.Len(t, l.LoadDeliveredKeys(stream, 7), 2)
}

func TestLedger_TolerantParsing(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.Local)
	l := newTestLedger(t, now)

	content := strings.Join([]string{
		"[2025-06-09 22:02:14] [启动时间: 2025-06-09 09:00:00] Log ID: 1073760088_1749477731_638851033310000000_MSSQLSERVER,Generated at: 2025-06-09 22:02:11,Pushed at: 2025-06-09 22:02:14",
		"Log ID: legacy-no-generated, Pushed at: 2025-06-09 22:02:16",
		"garbage line without a key",
		"",
		"Log ID: , Generated at: 2025-06-09 22:02:11",
		"Log ID: bad-time, Generated at: yesterday-ish",
		"Log ID: truncated, Generated at: 2025-06-0",
	}, "\n")
	require.NoError(t, os.WriteFile(l.Path(stream), []byte(content), 0o644))

	keys := l.LoadDeliveredKeys(stream, 3)
	assert.Contains(t, keys, "1073760088_1749477731_638851033310000000_MSSQLSERVER")
	assert.Contains(t, keys, "legacy-no-generated")
	assert.Contains(t, keys, "bad-time")
	assert.Contains(t, keys, "truncated")
	assert.Len(t, keys, 4)

	want := time.Date(2025, 6, 9, 22, 2, 11, 0, time.Local)
	assert.True(t, l.LoadLastProcessedTime(stream).Equal(want))
}

func TestLedger_ReadsLegacyFile(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.Local)
	l := newTestLedger(t, now)

	legacy := "Log ID: from-ini, Generated at: 2025-06-10 08:00:00, Pushed at: 2025-06-10 08:00:05\n"
	require.NoError(t, os.WriteFile(filepath.Join(l.dir, stream+".ini"), []byte(legacy), 0o644))
	require.NoError(t, l.Commit(stream, []models.LogRecord{record("from-log", now.Add(-time.Hour))}, now))

	keys := l.LoadDeliveredKeys(stream, 3)
	assert.Contains(t, keys, "from-ini")
	assert.Contains(t, keys, "from-log")
	assert.True(t, l.LoadLastProcessedTime(stream).Equal(now.Add(-time.Hour)))
}

func TestLedger_PartialTrailingLine(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.Local)
	l := newTestLedger(t, now)

	require.NoError(t, l.Commit(stream, []models.LogRecord{record("first", now.Add(-time.Hour))}, now))

	// Simulate a crash in the middle of the next write.
	f, err := os.OpenFile(l.Path(stream), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("Log ID: half, Generated at: 2025-06-1")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Commit(stream, []models.LogRecord{record("after-crash", now.Add(-30*time.Minute))}, now))

	keys := l.LoadDeliveredKeys(stream, 3)
	assert.Contains(t, keys, "first")
	assert.Contains(t, keys, "after-crash")
	assert.True(t, l.LoadLastProcessedTime(stream).Equal(now.Add(-30*time.Minute)))

	data, err := os.ReadFile(l.Path(stream))
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		assert.Equal(t, 1, strings.Count(line, "Log ID:"), "line %q", line)
	}
}

func TestLedger_Compact(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.Local)
	l := newTestLedger(t, now)

	var records []models.LogRecord
	for i := 0; i < 6; i++ {
		records = append(records, record(fmt.Sprintf("k%d", i), now.AddDate(0, 0, -i)))
	}
	require.NoError(t, l.Commit(stream, records, now))

	f, err := os.OpenFile(l.Path(stream), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("corrupt\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := l.Compact(stream, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Kept) // days 0..3
	assert.Equal(t, 3, result.Removed)

	keys := l.LoadDeliveredKeys(stream, 30)
	assert.Len(t, keys, 4)
	assert.NotContains(t, keys, "k4")
	assert.NotContains(t, keys, "k5")

	entries, err := os.ReadDir(l.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary compaction files must not be left behind")

	require.NoError(t, l.Commit(stream, []models.LogRecord{record("post", now)}, now))
	assert.Contains(t, l.LoadDeliveredKeys(stream, 3), "post")
}

func TestLedger_CompactMissingFileAndDisabled(t *testing.T) {
	l := newTestLedger(t, time.Now())

	result, err := l.Compact(stream, 3)
	require.NoError(t, err)
	assert.Equal(t, CompactResult{}, result)

	result, err = l.Compact(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, CompactResult{}, result)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		raw       string
		ok        bool
		key       string
		generated bool
		pushed    bool
	}{
		{"Log ID: k1, Generated at: 2025-06-09T22:02:11.5+08:00, Pushed at: 2025-06-09T22:02:14+08:00", true, "k1", true, true},
		{"Log ID: k2,Generated at: 2025-06-09 22:02:11,Pushed at: 2025-06-09 22:02:14", true, "k2", true, true},
		{"Log ID: k3, Pushed at: 2025/06/09 22:02:16", true, "k3", false, true},
		{"Log ID: k5, Generated at: 6/9/2025 10:02:11 PM, Pushed at: 6/9/2025 10:02:14 PM", true, "k5", true, true},
		{"[x] Log ID: k4", true, "k4", false, false},
		{"Log ID:", false, "", false, false},
		{"nothing here", false, "", false, false},
	}

	for _, tt := range tests {
		line, ok := parseLine(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.key, line.Key, tt.raw)
		assert.Equal(t, tt.generated, !line.GeneratedAt.IsZero(), tt.raw)
		assert.Equal(t, tt.pushed, !line.PushedAt.IsZero(), tt.raw)
	}

	line, ok := parseLine("Log ID: k6, Generated at: 12/31/2024 9:05:07 AM")
	require.True(t, ok)
	assert.True(t, time.Date(2024, 12, 31, 9, 5, 7, 0, time.Local).Equal(line.GeneratedAt))
}
