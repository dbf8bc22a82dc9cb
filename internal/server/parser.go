package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oicur0t/sqlaudit/internal/extract"
	"github.com/oicur0t/sqlaudit/pkg/models"
)

var errEmptyBatch = errors.New("batch cannot be empty")

// BatchParser decodes the agent wire format: a JSON array of records,
// optionally gzip encoded.
type BatchParser struct {
	maxBodyBytes int64
	now          func() time.Time
}

// NewBatchParser creates a parser that rejects bodies larger than
// maxBodyBytes once decompressed.
func NewBatchParser(maxBodyBytes int64) *BatchParser {
	return &BatchParser{
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
	}
}

// Parse reads the request body into stored records. Records without a
// UniqueKey get the key derived from their own fields.
func (p *BatchParser) Parse(r *http.Request) ([]models.StoredRecord, error) {
	var body io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}
	if p.maxBodyBytes > 0 {
		body = io.LimitReader(body, p.maxBodyBytes+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if p.maxBodyBytes > 0 && int64(len(data)) > p.maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", p.maxBodyBytes)
	}

	var batch []models.LogRecord
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(batch) == 0 {
		return nil, errEmptyBatch
	}

	received := p.now().UTC()
	agent := r.UserAgent()
	out := make([]models.StoredRecord, 0, len(batch))
	for i, rec := range batch {
		if rec.TimeGenerated.IsZero() {
			return nil, fmt.Errorf("record %d: TimeGenerated is required", i)
		}
		if rec.UniqueKey == "" {
			rec.UniqueKey = extract.RecordKey(rec)
		}
		out = append(out, models.StoredRecord{
			LogRecord:  rec,
			ReceivedAt: received,
			Agent:      agent,
		})
	}
	return out, nil
}
