package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// WorkflowType identifies which SDLC phase family a workflow runs.
type WorkflowType string

const (
	WorkflowTypeSpecify   WorkflowType = "specify"
	WorkflowTypePlan      WorkflowType = "plan"
	WorkflowTypeTasks     WorkflowType = "tasks"
	WorkflowTypeImplement WorkflowType = "implement"
)

func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowTypeSpecify, WorkflowTypePlan, WorkflowTypeTasks, WorkflowTypeImplement:
		return true
	}
	return false
}

// WorkflowStatus is the closed set of workflow lifecycle states.
type WorkflowStatus string

const (
	WorkflowStatusPending         WorkflowStatus = "pending"
	WorkflowStatusInProgress      WorkflowStatus = "in_progress"
	WorkflowStatusWaitingApproval WorkflowStatus = "waiting_approval"
	WorkflowStatusCompleted       WorkflowStatus = "completed"
	WorkflowStatusFailed          WorkflowStatus = "failed"
)

func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusInProgress, WorkflowStatusWaitingApproval,
		WorkflowStatusCompleted, WorkflowStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// WorkflowTrigger names the event that justifies a status transition.
type WorkflowTrigger string

const (
	TriggerStart         WorkflowTrigger = "start"
	TriggerAgentComplete WorkflowTrigger = "agent_complete"
	TriggerHumanApproved WorkflowTrigger = "human_approved"
	TriggerHumanRejected WorkflowTrigger = "human_rejected"
	TriggerError         WorkflowTrigger = "error"
)

func (t WorkflowTrigger) Valid() bool {
	switch t {
	case TriggerStart, TriggerAgentComplete, TriggerHumanApproved, TriggerHumanRejected, TriggerError:
		return true
	}
	return false
}

var featureIDPattern = regexp.MustCompile(`^\d{3}-[a-z0-9-]+$`)

// ValidFeatureID reports whether id matches the canonical NNN-slug form.
func ValidFeatureID(id string) bool {
	return featureIDPattern.MatchString(id)
}

// Workflow is a single end-to-end SDLC run persisted by the Orchestrator.
type Workflow struct {
	ID                 string          `json:"id"`
	Type               WorkflowType    `json:"workflow_type"`
	Status             WorkflowStatus  `json:"status"`
	FeatureID          string          `json:"feature_id"`
	FeatureDescription string          `json:"feature_description"`
	CurrentPhase       *string         `json:"current_phase,omitempty"`
	Context            json.RawMessage `json:"context,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              *string         `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// MinFeatureDescriptionLen is enforced before any side effect.
const MinFeatureDescriptionLen = 10

// NewWorkflow builds a pending workflow, rejecting invalid combinations.
func NewWorkflow(id string, wfType WorkflowType, featureID, description string, context json.RawMessage, now time.Time) (*Workflow, error) {
	if !wfType.Valid() {
		return nil, fmt.Errorf("invalid workflow_type %q", wfType)
	}
	if len(description) < MinFeatureDescriptionLen {
		return nil, fmt.Errorf("feature_description must be at least %d characters", MinFeatureDescriptionLen)
	}
	if !ValidFeatureID(featureID) {
		return nil, fmt.Errorf("invalid feature_id %q", featureID)
	}
	return &Workflow{
		ID:                 id,
		Type:               wfType,
		Status:             WorkflowStatusPending,
		FeatureID:          featureID,
		FeatureDescription: description,
		Context:            context,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// WorkflowHistory is one append-only transition record for a workflow.
type WorkflowHistory struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	FromStatus WorkflowStatus  `json:"from_status"`
	ToStatus   WorkflowStatus  `json:"to_status"`
	Trigger    WorkflowTrigger `json:"trigger"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
