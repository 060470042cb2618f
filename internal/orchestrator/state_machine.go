package orchestrator

import (
	"errors"
	"fmt"

	"github.com/farmer1st/farmer-code/pkg/models"
)

// ErrInvalidTransition marks an advance that the state machine forbids. The
// workflow row is not mutated and no history is written when it fires.
var ErrInvalidTransition = errors.New("invalid transition")

// edge is one legal (status, trigger) pair.
type edge struct {
	from    models.WorkflowStatus
	trigger models.WorkflowTrigger
}

// The workflow state machine:
//
//	pending ─(start)─▶ in_progress
//	in_progress ─(agent_complete)─▶ waiting_approval
//	waiting_approval ─(human_approved, more phases)─▶ in_progress
//	waiting_approval ─(human_approved, last phase)─▶ completed
//	waiting_approval ─(human_rejected)─▶ in_progress
//	any non-terminal ─(error)─▶ failed
var transitions = map[edge]models.WorkflowStatus{
	{models.WorkflowStatusPending, models.TriggerStart}:                  models.WorkflowStatusInProgress,
	{models.WorkflowStatusInProgress, models.TriggerAgentComplete}:       models.WorkflowStatusWaitingApproval,
	{models.WorkflowStatusWaitingApproval, models.TriggerHumanRejected}:  models.WorkflowStatusInProgress,
	{models.WorkflowStatusPending, models.TriggerError}:                  models.WorkflowStatusFailed,
	{models.WorkflowStatusInProgress, models.TriggerError}:               models.WorkflowStatusFailed,
	{models.WorkflowStatusWaitingApproval, models.TriggerError}:          models.WorkflowStatusFailed,
	// human_approved depends on phase position; see NextStatus.
}

// NextStatus resolves the target status for a trigger, or ErrInvalidTransition.
// lastPhase selects between resuming the next phase and completing outright
// when a human approves.
func NextStatus(from models.WorkflowStatus, trigger models.WorkflowTrigger, lastPhase bool) (models.WorkflowStatus, error) {
	if trigger == models.TriggerHumanApproved {
		if from != models.WorkflowStatusWaitingApproval {
			return "", fmt.Errorf("%w: %s -(%s)", ErrInvalidTransition, from, trigger)
		}
		if lastPhase {
			return models.WorkflowStatusCompleted, nil
		}
		return models.WorkflowStatusInProgress, nil
	}

	to, ok := transitions[edge{from, trigger}]
	if !ok {
		return "", fmt.Errorf("%w: %s -(%s)", ErrInvalidTransition, from, trigger)
	}
	return to, nil
}

// LegalEdge reports whether a recorded from→to pair belongs to the machine.
// Used by history-consistency checks.
func LegalEdge(from, to models.WorkflowStatus) bool {
	switch {
	case from == models.WorkflowStatusPending && to == models.WorkflowStatusInProgress:
		return true
	case from == models.WorkflowStatusInProgress && to == models.WorkflowStatusWaitingApproval:
		return true
	case from == models.WorkflowStatusWaitingApproval && to == models.WorkflowStatusInProgress:
		return true
	case from == models.WorkflowStatusWaitingApproval && to == models.WorkflowStatusCompleted:
		return true
	case !from.Terminal() && to == models.WorkflowStatusFailed:
		return true
	}
	return false
}
