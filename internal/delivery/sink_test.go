package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oicur0t/sqlaudit/pkg/models"
)

// fakePoster records every payload and fails the calls listed in failOn (1-based)
type fakePoster struct {
	mu       sync.Mutex
	payloads [][]models.LogRecord
	failOn   map[int]bool
}

func (p *fakePoster) Post(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var batch []models.LogRecord
	if err := json.Unmarshal(payload, &batch); err != nil {
		return err
	}
	p.payloads = append(p.payloads, batch)
	if p.failOn[len(p.payloads)] {
		return &StatusError{Code: 504}
	}
	return nil
}

func testRecords(n int) []models.LogRecord {
	base := time.Date(2025, 6, 9, 22, 0, 0, 0, time.UTC)
	out := make([]models.LogRecord, n)
	for i := range out {
		out[i] = models.LogRecord{
			UniqueKey:     fmt.Sprintf("k%02d", i),
			TimeGenerated: base.Add(time.Duration(i) * time.Second),
			EventID:       18453,
			Source:        "MSSQLSERVER",
		}
	}
	return out
}

func TestSink_SplitsInOrder(t *testing.T) {
	poster := &fakePoster{}
	sink := NewSink(10, poster, zaptest.NewLogger(t))

	report, err := sink.Deliver(context.Background(), testRecords(12))
	require.NoError(t, err)
	assert.Equal(t, Report{Batches: 2, RecordsDelivered: 12}, report)

	require.Len(t, poster.payloads, 2)
	assert.Len(t, poster.payloads[0], 10)
	assert.Len(t, poster.payloads[1], 2)
	assert.Equal(t, "k00", poster.payloads[0][0].UniqueKey)
	assert.Equal(t, "k09", poster.payloads[0][9].UniqueKey)
	assert.Equal(t, "k10", poster.payloads[1][0].UniqueKey)
	assert.Equal(t, "k11", poster.payloads[1][1].UniqueKey)
}

func TestSink_WireFieldNames(t *testing.T) {
	var raw []byte
	poster := posterFunc(func(ctx context.Context, payload []byte) error {
		raw = payload
		return nil
	})
	sink := NewSink(10, poster, zaptest.NewLogger(t))

	_, err := sink.Deliver(context.Background(), testRecords(1))
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 1)
	for _, field := range []string{"TimeGenerated", "EventId", "Source", "EntryType", "Message", "LogType", "UserName", "ClientIP", "DatabaseName", "UniqueKey"} {
		assert.Contains(t, decoded[0], field)
	}
}

func TestSink_PartialFailureAttemptsAllBatches(t *testing.T) {
	poster := &fakePoster{failOn: map[int]bool{1: true}}
	sink := NewSink(10, poster, zaptest.NewLogger(t))

	report, err := sink.Deliver(context.Background(), testRecords(25))
	require.Error(t, err)

	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
	assert.Len(t, poster.payloads, 3, "later batches are still attempted")
	assert.Equal(t, Report{Batches: 3, FailedBatches: 1, RecordsDelivered: 15, RecordsFailed: 10}, report)
}

func TestSink_EmptyIsSuccess(t *testing.T) {
	poster := &fakePoster{}
	report, err := NewSink(0, poster, zaptest.NewLogger(t)).Deliver(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Empty(t, poster.payloads)
}

func TestSink_CancelledContextSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	poster := posterFunc(func(context.Context, []byte) error {
		calls++
		cancel()
		return nil
	})

	report, err := NewSink(5, poster, zaptest.NewLogger(t)).Deliver(ctx, testRecords(12))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
	assert.Equal(t, Report{Batches: 3, FailedBatches: 2, RecordsDelivered: 5, RecordsFailed: 7}, report)
}

type posterFunc func(ctx context.Context, payload []byte) error

func (f posterFunc) Post(ctx context.Context, payload []byte) error { return f(ctx, payload) }
