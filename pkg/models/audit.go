package models

import (
	"encoding/json"
	"time"
)

// AuditStatus marks how the recorded exchange completed.
type AuditStatus string

const (
	AuditStatusResolved  AuditStatus = "resolved"
	AuditStatusEscalated AuditStatus = "escalated"
)

func (s AuditStatus) Valid() bool {
	return s == AuditStatusResolved || s == AuditStatusEscalated
}

// AuditRecord is one JSONL line in a feature's audit log.
type AuditRecord struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	SessionID    *string         `json:"session_id"`
	FeatureID    string          `json:"feature_id"`
	Topic        string          `json:"topic"`
	Question     string          `json:"question"`
	Answer       string          `json:"answer"`
	Confidence   int             `json:"confidence"`
	Status       AuditStatus     `json:"status"`
	EscalationID *string         `json:"escalation_id"`
	DurationMs   int64           `json:"duration_ms"`
	Metadata     json.RawMessage `json:"metadata"`
}
