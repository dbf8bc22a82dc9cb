package ledger

import (
	"strings"
	"time"
)

const (
	markerKey       = "Log ID:"
	markerGenerated = "Generated at:"
	markerPushed    = "Pushed at:"
)

// timeLayout is what Commit writes
const timeLayout = time.RFC3339Nano

// legacyLayouts are accepted on read, in local time when no offset is present
var legacyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006/1/2 15:04:05",
	"1/2/2006 3:04:05 PM", // en-US DateTime.ToString()
}

// Line is one parsed ledger entry. GeneratedAt and PushedAt are zero when
// their segment is missing or unparseable.
type Line struct {
	Key         string
	GeneratedAt time.Time
	PushedAt    time.Time
}

// Reference returns the time used for look-back and retention decisions
func (l Line) Reference() time.Time {
	if !l.GeneratedAt.IsZero() {
		return l.GeneratedAt
	}
	return l.PushedAt
}

// formatLine renders a ledger line without the trailing newline
func formatLine(key string, generatedAt, pushedAt time.Time) string {
	return markerKey + " " + key +
		", " + markerGenerated + " " + generatedAt.Local().Format(timeLayout) +
		", " + markerPushed + " " + pushedAt.Local().Format(timeLayout)
}

// parseLine extracts a ledger entry from raw text. Leading decoration such
// as "[timestamp] [...]" is ignored and any segment may be missing.
// ok is false when the line carries no key.
func parseLine(raw string) (Line, bool) {
	idx := strings.Index(raw, markerKey)
	if idx < 0 {
		return Line{}, false
	}
	rest := raw[idx+len(markerKey):]

	key, rest := cutSegment(rest)
	if key == "" {
		return Line{}, false
	}

	line := Line{Key: key}
	for rest != "" {
		var segment string
		segment, rest = cutSegment(rest)

		switch {
		case strings.HasPrefix(segment, markerGenerated):
			line.GeneratedAt = parseTime(strings.TrimPrefix(segment, markerGenerated))
		case strings.HasPrefix(segment, markerPushed):
			line.PushedAt = parseTime(strings.TrimPrefix(segment, markerPushed))
		}
	}

	return line, true
}

// cutSegment returns the trimmed text before the next comma and the remainder
func cutSegment(s string) (string, string) {
	head, tail, _ := strings.Cut(s, ",")
	return strings.TrimSpace(head), tail
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}
