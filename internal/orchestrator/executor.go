package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// phaseDeadline bounds one phase execution: the per-agent worker timeout
// plus the Hub retry envelope.
const phaseDeadline = 150 * time.Second

// startPhase runs the workflow's current phase on an independently scheduled
// task so the HTTP layer never blocks on a slow worker.
func (s *Service) startPhase(workflowID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, phaseDeadline)
		defer cancel()
		s.executePhase(ctx, workflowID)
	}()
}

func (s *Service) executePhase(ctx context.Context, workflowID string) {
	wf, err := s.Get(ctx, workflowID)
	if err != nil {
		logging.Error("phase executor: workflow %s vanished: %v", workflowID, err)
		return
	}
	if wf.Status != models.WorkflowStatusInProgress {
		// An advance raced us; nothing to run.
		logging.Debug("phase executor: workflow %s is %s, skipping", workflowID, wf.Status)
		return
	}

	agent := s.agentFor(wf.Type)
	req := contracts.InvokeRequest{
		WorkflowType: string(wf.Type),
		Context:      phaseContext(wf),
	}

	resp, err := s.hub.Invoke(ctx, agent, req)
	if err != nil {
		logging.Error("phase executor: workflow %s agent %s failed: %v", workflowID, agent, err)
		s.failPhase(workflowID, err.Error())
		return
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		logging.Error("phase executor: workflow %s agent %s unsuccessful: %s", workflowID, agent, msg)
		s.failPhase(workflowID, msg)
		return
	}

	result := phaseResult(resp)
	if _, err := s.Advance(s.baseCtx, workflowID, AdvanceRequest{
		Trigger:     models.TriggerAgentComplete,
		PhaseResult: result,
	}); err != nil {
		logging.Error("phase executor: workflow %s could not record completion: %v", workflowID, err)
	}
}

// failPhase records the error trigger. It uses the service base context:
// the failure must be persisted even when the phase deadline has elapsed.
func (s *Service) failPhase(workflowID, message string) {
	if _, err := s.Advance(s.baseCtx, workflowID, AdvanceRequest{
		Trigger: models.TriggerError,
		Error:   message,
	}); err != nil {
		logging.Error("phase executor: workflow %s could not record failure: %v", workflowID, err)
	}
}

// phaseContext is the workflow context plus the phase-specific payload the
// worker needs to act statelessly.
func phaseContext(wf *models.Workflow) json.RawMessage {
	merged := map[string]any{}
	if len(wf.Context) > 0 {
		_ = json.Unmarshal(wf.Context, &merged)
	}
	merged["feature_id"] = wf.FeatureID
	merged["feature_description"] = wf.FeatureDescription
	merged["phase"] = currentPhase(wf)
	raw, _ := json.Marshal(merged)
	return raw
}

// phaseResult wraps the worker response fields the approval gate shows.
func phaseResult(resp *contracts.HubInvokeResponse) json.RawMessage {
	out := map[string]any{
		"confidence": resp.Confidence,
	}
	if len(resp.Result) > 0 {
		out["result"] = json.RawMessage(resp.Result)
	}
	if len(resp.Metadata) > 0 {
		out["metadata"] = json.RawMessage(resp.Metadata)
	}
	if resp.SessionID != "" {
		out["session_id"] = resp.SessionID
	}
	raw, _ := json.Marshal(out)
	return raw
}
