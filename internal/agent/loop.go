package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oicur0t/sqlaudit/internal/cache"
	"github.com/oicur0t/sqlaudit/internal/delivery"
	"github.com/oicur0t/sqlaudit/internal/eventsource"
	"github.com/oicur0t/sqlaudit/internal/extract"
	"github.com/oicur0t/sqlaudit/internal/ledger"
	"github.com/oicur0t/sqlaudit/pkg/models"
	"github.com/oicur0t/sqlaudit/pkg/retry"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Start on a running loop
	ErrAlreadyRunning = errors.New("collection loop already running")
	// ErrDeliveryFailed marks a tick whose records were not all accepted
	ErrDeliveryFailed = errors.New("delivery failed")
)

const resultsBuffer = 16

// Outcome is how a tick ended
type Outcome string

const (
	OutcomeNoRecords  Outcome = "no_records"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

// TickResult describes a single collection tick
type TickResult struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Outcome    Outcome         `json:"outcome"`
	Fetched    int             `json:"fetched"`
	Duplicates int             `json:"duplicates"`
	Records    int             `json:"records"`
	Delivery   delivery.Report `json:"delivery"`
	Streams    []StreamResult  `json:"streams"`
	Error      string          `json:"error,omitempty"`

	err error
}

// Err returns the delivery failure of a rolled back tick
func (r TickResult) Err() error {
	return r.err
}

// Store persists delivered keys and the resume point. *ledger.Ledger
// implements it.
type Store interface {
	LoadLastProcessedTime(streamID string) time.Time
	LoadDeliveredKeys(streamID string, lookbackDays int) map[string]time.Time
	Commit(streamID string, records []models.LogRecord, deliveredAt time.Time) error
	Compact(streamID string, retentionDays int) (ledger.CompactResult, error)
}

// Deliverer sends records downstream. *delivery.Sink implements it.
type Deliverer interface {
	Deliver(ctx context.Context, records []models.LogRecord) (delivery.Report, error)
}

// Config controls the collection loop
type Config struct {
	StreamID        string
	Streams         []Stream
	PollInterval    time.Duration
	ErrorCooldown   time.Duration
	LookbackDays    int
	RetentionDays   int
	CompactInterval time.Duration
}

// Option customizes a Loop
type Option func(*Loop)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithExtractor replaces the default extraction rules
func WithExtractor(e *extract.Extractor) Option {
	return func(l *Loop) { l.extractor = e }
}

// Loop periodically collects audit events, delivers the new ones and
// advances its watermark only after delivery and commit both succeed.
type Loop struct {
	cfg       Config
	gateway   eventsource.Gateway
	store     Store
	sink      Deliverer
	recent    *cache.Recent
	extractor *extract.Extractor
	stats     *Stats
	logger    *zap.Logger
	now       func() time.Time

	// tickMu serializes ticks, refreshes, resets and compaction
	tickMu      sync.Mutex
	delivered   map[string]time.Time
	lastCompact time.Time

	stateMu   sync.RWMutex
	watermark time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   atomic.Int32 // active Run calls

	results chan TickResult
}

// New creates a loop and restores its state from store. Unreadable ledger
// state never prevents the loop from starting.
func New(cfg Config, gateway eventsource.Gateway, store Store, sink Deliverer, recent *cache.Recent, logger *zap.Logger, opts ...Option) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = 30 * time.Second
	}
	if recent == nil {
		recent = cache.NewRecent(cache.DefaultCapacity)
	}

	l := &Loop{
		cfg:       cfg,
		gateway:   gateway,
		store:     store,
		sink:      sink,
		recent:    recent,
		extractor: extract.NewExtractor(),
		logger:    logger,
		now:       time.Now,
		results:   make(chan TickResult, resultsBuffer),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.stats = newStats(cfg.StreamID, logger)

	start := l.now()
	l.delivered = store.LoadDeliveredKeys(cfg.StreamID, cfg.LookbackDays)
	if l.delivered == nil {
		l.delivered = make(map[string]time.Time)
	}
	l.watermark = initialWatermark(store.LoadLastProcessedTime(cfg.StreamID), start, cfg.LookbackDays)

	logger.Info("Collection loop initialized",
		zap.String("stream_id", cfg.StreamID),
		zap.Int("streams", len(cfg.Streams)),
		zap.Int("delivered_keys", len(l.delivered)),
		zap.Time("watermark", l.watermark))

	return l
}

// initialWatermark resumes from the last committed record, but never
// further back than the lookback window. A cold start begins now.
func initialWatermark(last, start time.Time, lookbackDays int) time.Time {
	if last.IsZero() {
		return start
	}
	floor := start.AddDate(0, 0, -lookbackDays)
	if last.Before(floor) {
		return floor
	}
	return last
}

// Start runs the loop in the background until Stop or ctx cancellation
func (l *Loop) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.done != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done

	go func() {
		defer close(done)
		if err := l.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("Collection loop exited", zap.Error(err))
		}
	}()

	l.logger.Info("Collection loop started", zap.Duration("interval", l.cfg.PollInterval))
	return nil
}

// Stop cancels the background loop and waits for it to exit. It is a
// no-op when the loop is not running.
func (l *Loop) Stop() {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("Collection loop stopped")
}

// Running reports whether Run is active or Start has been called
// without a matching Stop
func (l *Loop) Running() bool {
	if l.runs.Load() > 0 {
		return true
	}

	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.done != nil
}

// Run ticks until ctx is cancelled. A tick error delays the next tick by
// the error cooldown instead of the poll interval.
func (l *Loop) Run(ctx context.Context) error {
	l.runs.Add(1)
	defer l.runs.Add(-1)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.maybeCompact()

		wait := l.cfg.PollInterval
		if _, err := l.tick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("Collection tick failed",
				zap.Error(err),
				zap.Duration("cooldown", l.cfg.ErrorCooldown))
			wait = l.cfg.ErrorCooldown
		}

		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// CollectNow runs one tick immediately, serialized with the background loop
func (l *Loop) CollectNow(ctx context.Context) (TickResult, error) {
	return l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) (result TickResult, err error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	now := l.now()
	result = TickResult{
		ID:        uuid.NewString(),
		StartedAt: now,
		From:      l.Watermark(),
		To:        now,
		Outcome:   OutcomeNoRecords,
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collection tick panicked: %v", r)
		}
		if err != nil {
			result.Outcome = OutcomeFailed
			result.Error = err.Error()
		}
		l.finish(result, err)
	}()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	records, streams := l.collect(ctx, result.From, now)
	result.Streams = streams
	result.Fetched = len(records)

	fresh := l.dedup(records)
	result.Duplicates = len(records) - len(fresh)
	result.Records = len(fresh)
	if len(fresh) == 0 {
		l.logger.Debug("No new records",
			zap.String("tick_id", result.ID),
			zap.Int("duplicates", result.Duplicates))
		return result, nil
	}

	l.recent.Add(fresh)

	report, derr := l.sink.Deliver(ctx, fresh)
	result.Delivery = report
	if derr != nil {
		result.Outcome = OutcomeRolledBack
		result.err = fmt.Errorf("%w: %w", ErrDeliveryFailed, derr)
		result.Error = result.err.Error()
		l.logger.Warn("Delivery incomplete, watermark kept",
			zap.String("tick_id", result.ID),
			zap.Int("failed_batches", report.FailedBatches),
			zap.Int("records_failed", report.RecordsFailed),
			zap.Time("watermark", result.From),
			zap.Error(derr))
		return result, nil
	}

	if err := l.store.Commit(l.cfg.StreamID, fresh, l.now()); err != nil {
		return result, fmt.Errorf("failed to commit delivered records: %w", err)
	}
	for _, rec := range fresh {
		l.delivered[rec.UniqueKey] = rec.TimeGenerated
	}
	l.pruneDelivered(now)
	l.setWatermark(l.nextWatermark(result.From, now))
	result.Outcome = OutcomeCommitted

	l.logger.Info("Delivered records",
		zap.String("tick_id", result.ID),
		zap.Int("records", len(fresh)),
		zap.Int("batches", report.Batches),
		zap.Int("duplicates", result.Duplicates))

	return result, nil
}

// nextWatermark is now, held back to the newest entry the gateway has
// read so entries it ingests later still fall inside the next window.
// It never moves backwards.
func (l *Loop) nextWatermark(from, now time.Time) time.Time {
	next := now
	if p, ok := l.gateway.(eventsource.Progress); ok {
		if through := p.ReadThrough(); through.Before(next) {
			next = through
		}
	}
	if next.Before(from) {
		return from
	}
	return next
}

func (l *Loop) finish(result TickResult, err error) {
	l.stats.recordTick(result, err)

	select {
	case l.results <- result:
	default:
		l.logger.Debug("Results channel full, dropping tick result",
			zap.String("tick_id", result.ID))
	}
}

// Results delivers tick results. Sends never block, so a slow reader
// misses results rather than stalling collection.
func (l *Loop) Results() <-chan TickResult {
	return l.results
}

// Refresh fills the recent cache with records from the last lookback
// without delivering them or touching the watermark.
func (l *Loop) Refresh(ctx context.Context, lookback time.Duration) (int, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := l.now()
	records, _ := l.collect(ctx, now.Add(-lookback), now)
	l.recent.Add(records)
	return len(records), nil
}

// ResetWatermark discards the resume point so the next tick only sees
// events generated from now on.
func (l *Loop) ResetWatermark() time.Time {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	now := l.now()
	l.setWatermark(now)
	l.logger.Info("Watermark reset", zap.Time("watermark", now))
	return now
}

// RewindTo moves the watermark to t. Keys already delivered stay
// suppressed, so a rewind only picks up what was missed.
func (l *Loop) RewindTo(t time.Time) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	l.setWatermark(t)
	l.logger.Info("Watermark rewound", zap.Time("watermark", t))
}

// Compact rewrites the ledger without entries past the retention window
func (l *Loop) Compact() (ledger.CompactResult, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	return l.compactLocked()
}

func (l *Loop) maybeCompact() {
	if l.cfg.CompactInterval <= 0 {
		return
	}

	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if !l.lastCompact.IsZero() && l.now().Sub(l.lastCompact) < l.cfg.CompactInterval {
		return
	}
	if _, err := l.compactLocked(); err != nil {
		l.logger.Warn("Ledger compaction failed", zap.Error(err))
	}
}

func (l *Loop) compactLocked() (ledger.CompactResult, error) {
	l.lastCompact = l.now()

	res, err := l.store.Compact(l.cfg.StreamID, l.cfg.RetentionDays)
	if err != nil {
		return res, err
	}
	if res.Removed > 0 {
		l.logger.Info("Ledger compacted",
			zap.Int("kept", res.Kept),
			zap.Int("removed", res.Removed))
	}
	return res, nil
}

// Watermark returns the generation time the next tick starts from
func (l *Loop) Watermark() time.Time {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.watermark
}

func (l *Loop) setWatermark(t time.Time) {
	l.stateMu.Lock()
	l.watermark = t
	l.stateMu.Unlock()
}

// RecentRecords returns up to max of the newest collected records
func (l *Loop) RecentRecords(max int) []models.LogRecord {
	return l.recent.Snapshot(max)
}

// Stats returns the current counters
func (l *Loop) Stats() StatsSnapshot {
	return l.stats.Snapshot()
}

// StreamID identifies the ledger stream this loop commits to
func (l *Loop) StreamID() string {
	return l.cfg.StreamID
}
