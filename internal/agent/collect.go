package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oicur0t/sqlaudit/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stream names one (log, source, codes) combination to collect
type Stream struct {
	Name            string
	LogName         string
	Source          string
	EventCodes      []int64
	MessageContains string
}

// StreamResult reports what a single stream contributed to a tick
type StreamResult struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
}

// collect fetches every stream concurrently and returns the in-window
// records ordered by generation time. A failing stream contributes
// nothing and never affects the others.
func (l *Loop) collect(ctx context.Context, from, to time.Time) ([]models.LogRecord, []StreamResult) {
	perStream := make([][]models.LogRecord, len(l.cfg.Streams))
	results := make([]StreamResult, len(l.cfg.Streams))

	var g errgroup.Group
	for i, stream := range l.cfg.Streams {
		i, stream := i, stream
		g.Go(func() error {
			records, err := l.collectStream(ctx, stream, from, to)
			results[i] = StreamResult{Name: stream.Name, Records: len(records)}
			if err != nil {
				l.stats.recordFetchError()
				results[i].Error = err.Error()
				l.logger.Warn("Failed to collect stream",
					zap.String("stream", stream.Name),
					zap.Error(err))
				return nil
			}
			perStream[i] = records
			return nil
		})
	}
	_ = g.Wait()

	var merged []models.LogRecord
	for _, records := range perStream {
		merged = append(merged, records...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].TimeGenerated.Before(merged[j].TimeGenerated)
	})
	return merged, results
}

func (l *Loop) collectStream(ctx context.Context, stream Stream, from, to time.Time) (records []models.LogRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("stream %s panicked: %v", stream.Name, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := l.gateway.FetchBySourceAndCodes(ctx, stream.LogName, stream.Source, stream.EventCodes)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", stream.LogName, stream.Source, err)
	}

	for _, entry := range entries {
		if entry.GeneratedAt.Before(from) || !entry.GeneratedAt.Before(to) {
			continue
		}
		if !containsFold(entry.Message, stream.MessageContains) {
			continue
		}
		records = append(records, l.extractor.Extract(entry))
	}
	return records, nil
}

// dedup drops records already delivered and repeats within the batch.
// The first occurrence of a key wins.
func (l *Loop) dedup(records []models.LogRecord) []models.LogRecord {
	seen := make(map[string]struct{}, len(records))
	fresh := make([]models.LogRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := l.delivered[rec.UniqueKey]; ok {
			continue
		}
		if _, ok := seen[rec.UniqueKey]; ok {
			continue
		}
		seen[rec.UniqueKey] = struct{}{}
		fresh = append(fresh, rec)
	}
	return fresh
}

func (l *Loop) pruneDelivered(now time.Time) {
	cutoff := now.AddDate(0, 0, -l.cfg.LookbackDays)
	for key, ref := range l.delivered {
		if !ref.IsZero() && ref.Before(cutoff) {
			delete(l.delivered, key)
		}
	}
}

func containsFold(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
