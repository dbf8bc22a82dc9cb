package models

import (
	"time"
)

// EntryType is the severity class reported by the event source
type EntryType string

const (
	EntryInformation  EntryType = "Information"
	EntryWarning      EntryType = "Warning"
	EntryError        EntryType = "Error"
	EntrySuccessAudit EntryType = "SuccessAudit"
	EntryFailureAudit EntryType = "FailureAudit"
)

// LogType is the classification derived from an event code
type LogType string

const (
	LogTypeSQLLoginSuccess         LogType = "SQL login success"
	LogTypeSQLLoginSuccessVerified LogType = "SQL login success (verified)"
	LogTypeSQLLoginFailure         LogType = "SQL login failure"
	LogTypeWindowsLoginSuccess     LogType = "Windows login success"
	LogTypeWindowsLoginFailure     LogType = "Windows login failure"
	LogTypeUnknown                 LogType = "Unknown"
)

// RawEntry is one entry as returned by an event source
type RawEntry struct {
	LogName     string    `json:"log_name"`
	EventCode   int64     `json:"event_code"`
	SourceName  string    `json:"source_name"`
	GeneratedAt time.Time `json:"generated_at"`
	EntryType   EntryType `json:"entry_type"`
	Message     string    `json:"message"`
}

// LogRecord is the canonical record shipped to the remote collector.
// JSON field names are the collector wire format.
type LogRecord struct {
	UniqueKey     string    `json:"UniqueKey" bson:"_id"`
	TimeGenerated time.Time `json:"TimeGenerated" bson:"time_generated"`
	EventID       int64     `json:"EventId" bson:"event_id"`
	Source        string    `json:"Source" bson:"source"`
	EntryType     EntryType `json:"EntryType" bson:"entry_type"`
	Message       string    `json:"Message" bson:"message"`
	LogType       LogType   `json:"LogType" bson:"log_type"`
	UserName      string    `json:"UserName" bson:"user_name"`
	ClientIP      string    `json:"ClientIP" bson:"client_ip"`
	DatabaseName  string    `json:"DatabaseName" bson:"database_name"`
}

// StoredRecord wraps a received record with collector-side metadata
type StoredRecord struct {
	LogRecord  `bson:",inline"`
	ReceivedAt time.Time `json:"received_at" bson:"received_at"`
	Agent      string    `json:"agent,omitempty" bson:"agent,omitempty"`
}
