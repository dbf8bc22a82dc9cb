package eventsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"github.com/oicur0t/sqlaudit/pkg/models"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// DefaultMaxEntries bounds the journal of a single log
const DefaultMaxEntries = 100_000

// FileSpec is one NDJSON export file and the log its lines default to
type FileSpec struct {
	Path    string
	LogName string
}

// FileSource follows event-export files and serves fetches from an
// in-memory journal. Files are read from the start on every run and
// entries older than the retention are not kept.
//
// Ready is closed once every file has been read up to the size it had
// when Start was called.
type FileSource struct {
	files      []FileSpec
	retention  time.Duration
	maxEntries int
	poll       bool
	logger     *zap.Logger
	now        func() time.Time

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.RWMutex
	journal map[string][]models.RawEntry // log name -> entries in arrival order
	known   map[string]bool
	newest  time.Time
}

// NewFileSource creates a source over files
func NewFileSource(files []FileSpec, retention time.Duration, logger *zap.Logger) *FileSource {
	known := make(map[string]bool)
	for _, f := range files {
		if f.LogName != "" {
			known[f.LogName] = true
		}
	}

	return &FileSource{
		files:      files,
		retention:  retention,
		maxEntries: DefaultMaxEntries,
		poll:       true,
		logger:     logger,
		now:        time.Now,
		ready:      make(chan struct{}),
		journal:    make(map[string][]models.RawEntry),
		known:      known,
	}
}

// Ready is closed when the backlog present at Start has been ingested
func (s *FileSource) Ready() <-chan struct{} {
	return s.ready
}

// ReadThrough returns the newest generation time ingested so far. It
// implements Progress.
func (s *FileSource) ReadThrough() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newest
}

// Declare marks logs as available before any of their entries arrive, so
// fetching them returns an empty result instead of ErrLogUnavailable.
func (s *FileSource) Declare(logNames ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range logNames {
		s.known[name] = true
	}
}

// Start follows every file until ctx is cancelled
func (s *FileSource) Start(ctx context.Context) error {
	var wg, backlog sync.WaitGroup
	for _, spec := range s.files {
		spec := spec
		target, err := completeLength(spec.Path)
		if err != nil {
			s.logger.Warn("Cannot size event file", zap.String("file", spec.Path), zap.Error(err))
		}

		backlog.Add(1)
		caughtUp := sync.OnceFunc(backlog.Done)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer caughtUp()
			if err := s.tailFile(ctx, spec, target, caughtUp); err != nil && ctx.Err() == nil {
				s.logger.Error("Error tailing event file", zap.String("file", spec.Path), zap.Error(err))
			}
		}()
	}

	go func() {
		backlog.Wait()
		s.readyOnce.Do(func() {
			s.logger.Info("Event backlog read", zap.Int("files", len(s.files)))
			close(s.ready)
		})
	}()

	wg.Wait()
	return ctx.Err()
}

// tailFile follows a single export file. caughtUp is called once the
// offset reaches target, or earlier if the file shrinks or is replaced.
func (s *FileSource) tailFile(ctx context.Context, spec FileSpec, target int64, caughtUp func()) error {
	s.logger.Info("Following event file",
		zap.String("file", spec.Path),
		zap.String("log_name", spec.LogName),
		zap.Int64("backlog_bytes", target))

	if target == 0 {
		caughtUp()
	}

	t, err := tail.TailFile(spec.Path, tail.Config{
		Follow:        true,
		ReOpen:        true,
		MustExist:     false,
		Poll:          s.poll,
		CompleteLines: true,
		Location:      &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:        tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail file %s: %w", spec.Path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	var p fastjson.Parser
	var offset int64
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping event file", zap.String("file", spec.Path))
			return ctx.Err()

		case line, ok := <-t.Lines:
			if !ok {
				s.logger.Warn("Tail channel closed", zap.String("file", spec.Path))
				return t.Err()
			}
			if line.Err != nil {
				s.logger.Warn("Error reading event line", zap.String("file", spec.Path), zap.Error(line.Err))
				continue
			}

			s.ingestLine(&p, spec, line.Text)

			// a smaller offset means the file was truncated or rotated
			if line.SeekInfo.Offset >= target || line.SeekInfo.Offset < offset {
				caughtUp()
			}
			offset = line.SeekInfo.Offset
		}
	}
}

func (s *FileSource) ingestLine(p *fastjson.Parser, spec FileSpec, text string) {
	if text == "" {
		return
	}

	entry, err := parseEntry(p, text, spec.LogName)
	if err != nil {
		s.logger.Debug("Skipping unparseable event line", zap.String("file", spec.Path), zap.Error(err))
		return
	}
	s.Ingest(entry)
}

// completeLength returns the offset just past the last newline of path,
// or 0 when the file is missing or holds no complete line yet.
func completeLength(path string) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 32*1024)
	for end := info.Size(); end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// Ingest adds one entry to the journal
func (s *FileSource) Ingest(entry models.RawEntry) {
	if s.expired(entry.GeneratedAt) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.known[entry.LogName] = true
	if entry.GeneratedAt.After(s.newest) {
		s.newest = entry.GeneratedAt
	}
	entries := append(s.journal[entry.LogName], entry)
	if over := len(entries) - s.maxEntries; over > 0 {
		entries = append(entries[:0:0], entries[over:]...)
	}
	s.journal[entry.LogName] = entries
}

// FetchBySourceAndCodes implements Gateway
func (s *FileSource) FetchBySourceAndCodes(ctx context.Context, logName, sourceName string, eventCodes []int64) ([]models.RawEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.prune(logName)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.known[logName] {
		return nil, fmt.Errorf("%w: %s", ErrLogUnavailable, logName)
	}

	var out []models.RawEntry
	for _, entry := range s.journal[logName] {
		if Matches(entry, sourceName, eventCodes) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *FileSource) prune(logName string) {
	if s.retention <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.journal[logName]
	kept := entries[:0]
	for _, entry := range entries {
		if !s.expired(entry.GeneratedAt) {
			kept = append(kept, entry)
		}
	}
	s.journal[logName] = kept
}

func (s *FileSource) expired(t time.Time) bool {
	return s.retention > 0 && !t.IsZero() && t.Before(s.now().Add(-s.retention))
}
