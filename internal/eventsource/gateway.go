// Package eventsource defines how the agent reads raw audit entries and
// provides a file-backed implementation.
package eventsource

import (
	"context"
	"errors"
	"time"

	"github.com/oicur0t/sqlaudit/pkg/models"
)

// ErrLogUnavailable is returned when the requested log cannot be read
var ErrLogUnavailable = errors.New("event log unavailable")

// Gateway returns the entries of logName written by sourceName whose code
// is one of eventCodes. An empty eventCodes matches every code.
// Time-window filtering is the caller's job.
type Gateway interface {
	FetchBySourceAndCodes(ctx context.Context, logName, sourceName string, eventCodes []int64) ([]models.RawEntry, error)
}

// Progress is implemented by gateways that read entries in the
// background. ReadThrough is the newest generation time read so far; the
// collection loop never moves its watermark past it.
type Progress interface {
	ReadThrough() time.Time
}

// Matches reports whether entry satisfies a fetch request
func Matches(entry models.RawEntry, sourceName string, eventCodes []int64) bool {
	if sourceName != "" && entry.SourceName != sourceName {
		return false
	}
	if len(eventCodes) == 0 {
		return true
	}
	for _, code := range eventCodes {
		if entry.EventCode == code || entry.EventCode&0xFFFF == code {
			return true
		}
	}
	return false
}
