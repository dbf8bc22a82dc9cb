package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oicur0t/sqlaudit/pkg/models"
	"go.uber.org/zap"
)

// DefaultBatchSize is used when a non-positive batch size is configured
const DefaultBatchSize = 10

// Poster sends one serialized batch
type Poster interface {
	Post(ctx context.Context, payload []byte) error
}

// Report summarizes one Deliver call
type Report struct {
	Batches          int `json:"batches"`
	FailedBatches    int `json:"failed_batches"`
	RecordsDelivered int `json:"records_delivered"`
	RecordsFailed    int `json:"records_failed"`
}

// Sink splits records into fixed-size batches and posts each one
type Sink struct {
	batchSize int
	poster    Poster
	logger    *zap.Logger
}

// NewSink creates a delivery sink
func NewSink(batchSize int, poster Poster, logger *zap.Logger) *Sink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sink{
		batchSize: batchSize,
		poster:    poster,
		logger:    logger,
	}
}

// Deliver posts every batch in order. A failed batch does not stop the
// remaining ones; the returned error joins every batch failure and is nil
// only when all batches were accepted. Once ctx is cancelled the batches
// not yet attempted are counted as failed.
func (s *Sink) Deliver(ctx context.Context, records []models.LogRecord) (Report, error) {
	var report Report
	var errs []error

	for start := 0; start < len(records); start += s.batchSize {
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		report.Batches++

		if err := ctx.Err(); err != nil {
			report.FailedBatches++
			report.RecordsFailed += len(batch)
			errs = append(errs, fmt.Errorf("batch %d not sent: %w", report.Batches, err))
			continue
		}

		if err := s.sendBatch(ctx, batch); err != nil {
			s.logger.Error("Failed to send batch",
				zap.Error(err),
				zap.Int("batch", report.Batches),
				zap.Int("size", len(batch)))
			report.FailedBatches++
			report.RecordsFailed += len(batch)
			errs = append(errs, fmt.Errorf("batch %d: %w", report.Batches, err))
			continue
		}

		report.RecordsDelivered += len(batch)
		s.logger.Info("Batch sent successfully",
			zap.Int("batch", report.Batches),
			zap.Int("size", len(batch)))
	}

	return report, errors.Join(errs...)
}

func (s *Sink) sendBatch(ctx context.Context, batch []models.LogRecord) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	return s.poster.Post(ctx, payload)
}
