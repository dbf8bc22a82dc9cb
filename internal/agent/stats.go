package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/oicur0t/sqlaudit/internal/agent"

// Stats holds the counters shown to operators. Counters are mirrored to
// OpenTelemetry instruments on the global meter provider.
type Stats struct {
	ticks            atomic.Int64
	recordsCollected atomic.Int64
	recordsDelivered atomic.Int64
	duplicates       atomic.Int64
	rollbacks        atomic.Int64
	fetchErrors      atomic.Int64
	tickErrors       atomic.Int64

	mu          sync.Mutex
	lastTickAt  time.Time
	lastOutcome Outcome
	lastError   string

	attrs          metric.MeasurementOption
	collectedCount metric.Int64Counter
	deliveredCount metric.Int64Counter
	rollbackCount  metric.Int64Counter
	errorCount     metric.Int64Counter
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Ticks            int64     `json:"ticks"`
	RecordsCollected int64     `json:"records_collected"`
	RecordsDelivered int64     `json:"records_delivered"`
	Duplicates       int64     `json:"duplicates"`
	Rollbacks        int64     `json:"rollbacks"`
	FetchErrors      int64     `json:"fetch_errors"`
	TickErrors       int64     `json:"tick_errors"`
	LastTickAt       time.Time `json:"last_tick_at"`
	LastOutcome      Outcome   `json:"last_outcome"`
	LastError        string    `json:"last_error,omitempty"`
}

func newStats(streamID string, logger *zap.Logger) *Stats {
	s := &Stats{
		attrs: metric.WithAttributes(attribute.String("stream_id", streamID)),
	}

	meter := otel.Meter(meterName)
	s.collectedCount = int64Counter(meter, logger, "sqlaudit_records_collected_total", "Records accepted for delivery")
	s.deliveredCount = int64Counter(meter, logger, "sqlaudit_records_delivered_total", "Records delivered and committed")
	s.rollbackCount = int64Counter(meter, logger, "sqlaudit_rollbacks_total", "Ticks whose delivery failed")
	s.errorCount = int64Counter(meter, logger, "sqlaudit_errors_total", "Fetch and tick errors")

	return s
}

func int64Counter(meter metric.Meter, logger *zap.Logger, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("1"))
	if err != nil {
		// metrics are optional
		logger.Debug("Failed to create counter", zap.String("name", name), zap.Error(err))
		return nil
	}
	return c
}

func (s *Stats) add(c metric.Int64Counter, n int64) {
	if c != nil && n > 0 {
		c.Add(context.Background(), n, s.attrs)
	}
}

func (s *Stats) recordFetchError() {
	s.fetchErrors.Add(1)
	s.add(s.errorCount, 1)
}

func (s *Stats) recordTick(result TickResult, err error) {
	s.ticks.Add(1)
	s.duplicates.Add(int64(result.Duplicates))

	switch result.Outcome {
	case OutcomeCommitted:
		s.recordsCollected.Add(int64(result.Records))
		s.recordsDelivered.Add(int64(result.Records))
		s.add(s.collectedCount, int64(result.Records))
		s.add(s.deliveredCount, int64(result.Records))
	case OutcomeRolledBack:
		s.recordsCollected.Add(int64(result.Records))
		s.rollbacks.Add(1)
		s.add(s.collectedCount, int64(result.Records))
		s.add(s.rollbackCount, 1)
	}
	if err != nil {
		s.tickErrors.Add(1)
		s.add(s.errorCount, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTickAt = result.StartedAt
	s.lastOutcome = result.Outcome
	s.lastError = result.Error
}

// Snapshot copies the current counters
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StatsSnapshot{
		Ticks:            s.ticks.Load(),
		RecordsCollected: s.recordsCollected.Load(),
		RecordsDelivered: s.recordsDelivered.Load(),
		Duplicates:       s.duplicates.Load(),
		Rollbacks:        s.rollbacks.Load(),
		FetchErrors:      s.fetchErrors.Load(),
		TickErrors:       s.tickErrors.Load(),
		LastTickAt:       s.lastTickAt,
		LastOutcome:      s.lastOutcome,
		LastError:        s.lastError,
	}
}
