// Package contracts holds the wire types shared between the Orchestrator,
// the Agent Hub, and the opaque expert workers. Cross-service data travels
// by value; the only identifiers that cross a boundary are session and
// escalation ids.
package contracts

import (
	"encoding/json"
)

// InvokeRequest is the payload the Hub forwards to a worker's POST /invoke,
// and the payload the Orchestrator sends to the Hub's POST /invoke/{agent}.
type InvokeRequest struct {
	WorkflowType string          `json:"workflow_type"`
	Context      json.RawMessage `json:"context"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
}

// InvokeResponse is a worker's answer plus self-reported confidence.
type InvokeResponse struct {
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result"`
	Confidence int             `json:"confidence"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// HubInvokeResponse is the Hub's reply to POST /invoke/{agent}: the worker
// response plus the session the exchange was recorded under.
type HubInvokeResponse struct {
	InvokeResponse
	SessionID string `json:"session_id"`
}

// AskExpertRequest is a topic-routed consultation.
type AskExpertRequest struct {
	Question  string          `json:"question"`
	Context   json.RawMessage `json:"context,omitempty"`
	FeatureID string          `json:"feature_id"`
	SessionID string          `json:"session_id,omitempty"`
}

// Ask response statuses.
const (
	AskStatusResolved     = "resolved"
	AskStatusPendingHuman = "pending_human"
)

// AskExpertResponse reports the gate decision for an ask_expert call.
type AskExpertResponse struct {
	Status             string          `json:"status"`
	Answer             json.RawMessage `json:"answer,omitempty"`
	Confidence         int             `json:"confidence"`
	SessionID          string          `json:"session_id"`
	EscalationID       *string         `json:"escalation_id"`
	UncertaintyReasons []string        `json:"uncertainty_reasons,omitempty"`
}

// ConversationTurn is one prior message shipped to a worker so a stateless
// process can continue a multi-turn session.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WorkerAnswer is the result object workers return for expert questions.
type WorkerAnswer struct {
	Answer             string   `json:"answer"`
	Rationale          string   `json:"rationale,omitempty"`
	UncertaintyReasons []string `json:"uncertainty_reasons,omitempty"`
}

// HealthResponse is the shared GET /health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
}
