package extract

import (
	"strconv"
	"strings"
	"time"

	"github.com/oicur0t/sqlaudit/pkg/models"
)

const keySeparator = "_"

// ticksAtUnixEpoch is the number of 100ns ticks between 0001-01-01 and 1970-01-01.
const ticksAtUnixEpoch int64 = 621355968000000000

// DeriveKey returns the fingerprint of a raw entry:
// <code>_<unixSeconds>_<ticks>_<source>.
// Ticks are 100ns units since 0001-01-01 on the entry's wall clock, which
// keeps keys stable against ledgers written by earlier agent versions.
// A zero timestamp encodes as 0 for both time components.
func DeriveKey(entry models.RawEntry) string {
	return deriveKey(entry.EventCode, entry.GeneratedAt, entry.SourceName)
}

func deriveKey(code int64, generatedAt time.Time, source string) string {
	var seconds, ticks int64
	if !generatedAt.IsZero() {
		seconds = generatedAt.Unix()
		ticks = wallTicks(generatedAt)
	}

	var b strings.Builder
	b.Grow(48 + len(source))
	b.WriteString(strconv.FormatInt(code, 10))
	b.WriteString(keySeparator)
	b.WriteString(strconv.FormatInt(seconds, 10))
	b.WriteString(keySeparator)
	b.WriteString(strconv.FormatInt(ticks, 10))
	b.WriteString(keySeparator)
	b.WriteString(source)
	return b.String()
}

// RecordKey recomputes the fingerprint of an already extracted record
func RecordKey(record models.LogRecord) string {
	return deriveKey(record.EventID, record.TimeGenerated, record.Source)
}

func wallTicks(t time.Time) int64 {
	_, offset := t.Zone()
	wallSeconds := t.Unix() + int64(offset)
	return ticksAtUnixEpoch + wallSeconds*10_000_000 + int64(t.Nanosecond())/100
}
