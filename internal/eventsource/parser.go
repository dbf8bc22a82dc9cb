package eventsource

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oicur0t/sqlaudit/pkg/models"
	"github.com/valyala/fastjson"
)

// entryTypeCodes maps numeric entry types as serialized by PowerShell
var entryTypeCodes = map[int]models.EntryType{
	1:  models.EntryError,
	2:  models.EntryWarning,
	4:  models.EntryInformation,
	8:  models.EntrySuccessAudit,
	16: models.EntryFailureAudit,
}

// parseEntry decodes one exported event line, e.g.
//
//	{"LogName":"Security","EventId":4625,"Source":"Microsoft-Windows-Security-Auditing",
//	 "TimeGenerated":"2025-06-09T22:02:11+08:00","EntryType":"FailureAudit","Message":"..."}
//
// TimeGenerated may also be the "/Date(ms)/" form and EntryType a number.
func parseEntry(p *fastjson.Parser, line, defaultLog string) (models.RawEntry, error) {
	v, err := p.Parse(line)
	if err != nil {
		return models.RawEntry{}, fmt.Errorf("invalid json: %w", err)
	}

	entry := models.RawEntry{
		LogName:    string(v.GetStringBytes("LogName")),
		SourceName: string(v.GetStringBytes("Source")),
		Message:    string(v.GetStringBytes("Message")),
	}
	if entry.LogName == "" {
		entry.LogName = defaultLog
	}
	if entry.LogName == "" {
		return models.RawEntry{}, fmt.Errorf("missing LogName")
	}

	switch {
	case v.Exists("EventId"):
		entry.EventCode = v.GetInt64("EventId")
	case v.Exists("InstanceId"):
		entry.EventCode = v.GetInt64("InstanceId")
	default:
		return models.RawEntry{}, fmt.Errorf("missing EventId")
	}

	if et := v.Get("EntryType"); et != nil {
		switch et.Type() {
		case fastjson.TypeString:
			entry.EntryType = models.EntryType(et.GetStringBytes())
		case fastjson.TypeNumber:
			entry.EntryType = entryTypeCodes[et.GetInt()]
		}
	}

	entry.GeneratedAt = parseTimestamp(string(v.GetStringBytes("TimeGenerated")))
	return entry, nil
}

// parseTimestamp accepts RFC 3339 and "/Date(ms)/"; anything else is zero
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if strings.HasPrefix(s, "/Date(") && strings.HasSuffix(s, ")/") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "/Date("), ")/")
		if i := strings.IndexAny(inner, "+-"); i > 0 {
			inner = inner[:i]
		}
		ms, err := strconv.ParseInt(inner, 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local); err == nil {
		return t
	}
	return time.Time{}
}
