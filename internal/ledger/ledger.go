package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oicur0t/sqlaudit/pkg/models"
	"go.uber.org/zap"
)

const (
	fileExt       = ".log"
	legacyFileExt = ".ini"
	maxLineBytes  = 1 << 20
)

// Ledger is the append-only delivery record of every stream. Each stream
// writes <dir>/<streamID>.log; <dir>/<streamID>.ini from older agents is
// read but never written.
type Ledger struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex // serializes Commit and Compact
}

// New creates a ledger rooted at dir
func New(dir string, logger *zap.Logger) *Ledger {
	return &Ledger{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the file a stream commits to
func (l *Ledger) Path(streamID string) string {
	return filepath.Join(l.dir, streamID+fileExt)
}

func (l *Ledger) legacyPath(streamID string) string {
	return filepath.Join(l.dir, streamID+legacyFileExt)
}

// LoadLastProcessedTime returns the latest GeneratedAt recorded for the
// stream, or the zero time when nothing usable is recorded.
func (l *Ledger) LoadLastProcessedTime(streamID string) time.Time {
	var last time.Time
	l.scan(streamID, func(line Line) {
		if line.GeneratedAt.After(last) {
			last = line.GeneratedAt
		}
	})
	return last
}

// LoadDeliveredKeys rebuilds the dedup set from entries whose reference
// time falls within the last lookbackDays. Entries without any timestamp
// are kept since their age is unknown. The map value is the reference time.
func (l *Ledger) LoadDeliveredKeys(streamID string, lookbackDays int) map[string]time.Time {
	cutoff := l.now().AddDate(0, 0, -lookbackDays)

	keys := make(map[string]time.Time)
	l.scan(streamID, func(line Line) {
		ref := line.Reference()
		if !ref.IsZero() && ref.Before(cutoff) {
			return
		}
		if prev, ok := keys[line.Key]; !ok || ref.After(prev) {
			keys[line.Key] = ref
		}
	})
	return keys
}

// scan feeds every parseable line of the stream's files to fn. Read errors
// end the scan of that file only.
func (l *Ledger) scan(streamID string, fn func(Line)) {
	for _, path := range []string{l.legacyPath(streamID), l.Path(streamID)} {
		skipped, err := scanFile(path, fn)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to read ledger, continuing with what was loaded",
				zap.String("path", path),
				zap.Error(err))
		}
		if skipped > 0 {
			l.logger.Debug("Skipped unparseable ledger lines",
				zap.String("path", path),
				zap.Int("skipped", skipped))
		}
	}
}

func scanFile(path string, fn func(Line)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		line, ok := parseLine(text)
		if !ok {
			skipped++
			continue
		}
		fn(line)
	}

	return skipped, scanner.Err()
}

// Commit appends one line per record. The batch is written with a single
// write call followed by fsync, so a crash leaves at most one partial
// trailing line; the next Commit starts on a fresh line.
func (l *Ledger) Commit(streamID string, records []models.LogRecord, deliveredAt time.Time) error {
	if len(records) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	path := l.Path(streamID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	needsNewline, err := endsWithoutNewline(f)
	if err != nil {
		return fmt.Errorf("failed to inspect ledger tail: %w", err)
	}
	if needsNewline {
		buf.WriteByte('\n')
	}
	for _, r := range records {
		buf.WriteString(formatLine(r.UniqueKey, r.TimeGenerated, deliveredAt))
		buf.WriteByte('\n')
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append to ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}

	l.logger.Debug("Ledger committed",
		zap.String("stream", streamID),
		zap.Int("records", len(records)))
	return nil
}

func endsWithoutNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] != '\n', nil
}

// CompactResult summarizes one compaction
type CompactResult struct {
	Kept    int
	Removed int
}

// Compact rewrites the stream's ledger without lines older than
// retentionDays and without unparseable lines. The new file replaces the
// old one by rename, so concurrent readers see either version in full.
// It must not run concurrently with writers in other processes.
func (l *Ledger) Compact(streamID string, retentionDays int) (CompactResult, error) {
	var result CompactResult
	if retentionDays <= 0 {
		return result, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path(streamID)
	cutoff := l.now().AddDate(0, 0, -retentionDays)

	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(l.dir, streamID+".compact-*")
	if err != nil {
		return result, fmt.Errorf("failed to create compaction file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		text := scanner.Text()
		line, ok := parseLine(text)
		if !ok {
			if strings.TrimSpace(text) != "" {
				result.Removed++
			}
			continue
		}
		if ref := line.Reference(); !ref.IsZero() && ref.Before(cutoff) {
			result.Removed++
			continue
		}
		w.WriteString(text)
		w.WriteByte('\n')
		result.Kept++
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		return CompactResult{}, fmt.Errorf("failed to read ledger: %w", err)
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return CompactResult{}, fmt.Errorf("failed to write compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return CompactResult{}, fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return CompactResult{}, fmt.Errorf("failed to close compaction file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return CompactResult{}, fmt.Errorf("failed to set ledger permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return CompactResult{}, fmt.Errorf("failed to replace ledger: %w", err)
	}

	l.logger.Info("Ledger compacted",
		zap.String("stream", streamID),
		zap.Int("kept", result.Kept),
		zap.Int("removed", result.Removed),
		zap.Int("retention_days", retentionDays))
	return result, nil
}
