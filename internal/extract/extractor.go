package extract

import (
	"net/netip"
	"sort"
	"strings"

	"github.com/oicur0t/sqlaudit/pkg/models"
)

// Extractor turns raw entries into LogRecords. It is safe for concurrent
// use; the rule table is never mutated after construction.
type Extractor struct {
	rules           map[Profile]map[Field][]Rule
	classifications map[int64]models.LogType
}

// NewExtractor builds an extractor over DefaultRules and Classifications
func NewExtractor() *Extractor {
	return NewExtractorWithRules(DefaultRules, Classifications)
}

// NewExtractorWithRules builds an extractor over a custom table
func NewExtractorWithRules(rules []Rule, classifications map[int64]models.LogType) *Extractor {
	indexed := make(map[Profile]map[Field][]Rule)
	for _, r := range rules {
		if indexed[r.Profile] == nil {
			indexed[r.Profile] = make(map[Field][]Rule)
		}
		indexed[r.Profile][r.Field] = append(indexed[r.Profile][r.Field], r)
	}
	for _, fields := range indexed {
		for f := range fields {
			sort.SliceStable(fields[f], func(i, j int) bool {
				return fields[f][i].Priority < fields[f][j].Priority
			})
		}
	}

	return &Extractor{
		rules:           indexed,
		classifications: classifications,
	}
}

// Extract builds the canonical record for entry. It never fails: fields
// that cannot be found are left empty.
func (e *Extractor) Extract(entry models.RawEntry) models.LogRecord {
	profile := profileFor(entry.EventCode)

	record := models.LogRecord{
		UniqueKey:     DeriveKey(entry),
		TimeGenerated: entry.GeneratedAt,
		EventID:       entry.EventCode,
		Source:        entry.SourceName,
		EntryType:     entry.EntryType,
		Message:       entry.Message,
		LogType:       e.Classify(entry.EventCode),
		UserName:      e.field(profile, FieldUserName, entry.Message),
		ClientIP:      e.field(profile, FieldClientIP, entry.Message),
	}
	if profile == ProfileSQLServer {
		record.DatabaseName = e.field(profile, FieldDatabaseName, entry.Message)
	}

	return record
}

// Classify maps an event code to a log type. Codes missing from the table
// are retried on their low 16 bits, the EventID part of an InstanceId.
func (e *Extractor) Classify(code int64) models.LogType {
	if t, ok := e.classifications[code]; ok {
		return t
	}
	if t, ok := e.classifications[code&0xFFFF]; ok {
		return t
	}
	return models.LogTypeUnknown
}

func (e *Extractor) field(profile Profile, field Field, message string) string {
	if message == "" {
		return ""
	}

	for _, rule := range e.rules[profile][field] {
		for _, m := range rule.Pattern.FindAllStringSubmatch(message, -1) {
			if len(m) < 2 {
				continue
			}
			value := strings.TrimSpace(m[1])
			if emptyValue(value) {
				continue
			}
			if field == FieldClientIP && !isIPv4(value) {
				continue
			}
			return value
		}
	}

	return ""
}

func isIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return addr.Is4()
}
