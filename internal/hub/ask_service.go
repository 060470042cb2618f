package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// MinQuestionLen is enforced before any side effect.
const MinQuestionLen = 10

// askWorkflowType tags topic-routed consultations on the worker wire.
const askWorkflowType = "ask_expert"

// Invoke forwards a request to a named worker unchanged, assigns a session,
// and records an audit entry. No topic routing and no confidence gate.
func (s *Service) Invoke(ctx context.Context, agentID string, req contracts.InvokeRequest) (*contracts.HubInvokeResponse, error) {
	agent, ok := s.routing.Agent(agentID)
	if !ok {
		return nil, &ErrUnknownAgent{AgentID: agentID, KnownAgents: s.knownAgentIDs()}
	}

	featureID := featureIDFromContext(req.Context)
	session, err := s.ensureWritableSession(ctx, req.SessionID, agentID, featureID)
	if err != nil {
		return nil, err
	}

	lock := s.locks.acquire(session.ID)
	lock.Lock()
	defer lock.Unlock()

	forwarded := req
	forwarded.SessionID = session.ID

	start := time.Now()
	resp, err := s.workers.Invoke(ctx, agent, forwarded)
	if err != nil {
		return nil, err
	}
	durationMs := time.Since(start).Milliseconds()

	record := &models.AuditRecord{
		Timestamp:  now(),
		SessionID:  &session.ID,
		FeatureID:  auditFeatureID(featureID),
		Topic:      "invoke:" + agentID,
		Question:   forwarded.WorkflowType,
		Answer:     string(resp.Result),
		Confidence: resp.Confidence,
		Status:     models.AuditStatusResolved,
		DurationMs: durationMs,
		Metadata:   resp.Metadata,
	}
	if err := s.audit.Append(record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	return &contracts.HubInvokeResponse{InvokeResponse: *resp, SessionID: session.ID}, nil
}

// Ask routes a question by topic, preserves multi-turn context, applies the
// confidence gate, and audits the completed exchange before returning.
func (s *Service) Ask(ctx context.Context, topic string, req contracts.AskExpertRequest) (*contracts.AskExpertResponse, error) {
	if len(req.Question) < MinQuestionLen {
		return nil, fmt.Errorf("%w: question must be at least %d characters", ErrValidation, MinQuestionLen)
	}
	if !models.ValidFeatureID(req.FeatureID) {
		return nil, fmt.Errorf("%w: invalid feature_id %q", ErrValidation, req.FeatureID)
	}

	agent, threshold, err := s.routing.Resolve(topic)
	if err != nil {
		return nil, err
	}

	session, err := s.ensureWritableSession(ctx, req.SessionID, agent.ID, &req.FeatureID)
	if err != nil {
		return nil, err
	}

	lock := s.locks.acquire(session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Conversation shipped to the stateless worker: everything before this
	// question.
	prior, err := s.repos.Messages.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	if _, err := s.appendMessage(ctx, session.ID, models.MessageRoleUser, req.Question, nil); err != nil {
		return nil, err
	}

	workerReq, err := buildAskRequest(topic, session.ID, req, prior)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.workers.Invoke(ctx, agent, workerReq)
	if err != nil {
		return nil, err
	}
	durationMs := time.Since(start).Milliseconds()

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		return nil, fmt.Errorf("%w: %s", ErrWorkerError, msg)
	}

	answer := parseWorkerAnswer(resp.Result)

	// Confidence gate: boundary equality accepts; strict less-than escalates.
	if resp.Confidence >= threshold {
		metadata := assistantMetadata(resp, agent, durationMs, nil)
		if _, err := s.appendMessage(ctx, session.ID, models.MessageRoleAssistant, answer.Answer, metadata); err != nil {
			return nil, err
		}

		if err := s.appendAskAudit(session.ID, topic, req, answer.Answer, resp.Confidence, models.AuditStatusResolved, nil, durationMs, resp.Metadata); err != nil {
			return nil, err
		}

		return &contracts.AskExpertResponse{
			Status:       contracts.AskStatusResolved,
			Answer:       resp.Result,
			Confidence:   resp.Confidence,
			SessionID:    session.ID,
			EscalationID: nil,
		}, nil
	}

	escalation, err := s.createEscalation(ctx, session, topic, req.Question, answer, resp, durationMs, agent)
	if err != nil {
		return nil, err
	}

	if err := s.appendAskAudit(session.ID, topic, req, answer.Answer, resp.Confidence, models.AuditStatusEscalated, &escalation.ID, durationMs, resp.Metadata); err != nil {
		return nil, err
	}

	return &contracts.AskExpertResponse{
		Status:             contracts.AskStatusPendingHuman,
		Answer:             resp.Result,
		Confidence:         resp.Confidence,
		SessionID:          session.ID,
		EscalationID:       &escalation.ID,
		UncertaintyReasons: answer.UncertaintyReasons,
	}, nil
}

func (s *Service) appendAskAudit(sessionID, topic string, req contracts.AskExpertRequest, answer string, confidence int, status models.AuditStatus, escalationID *string, durationMs int64, metadata json.RawMessage) error {
	record := &models.AuditRecord{
		Timestamp:    now(),
		SessionID:    &sessionID,
		FeatureID:    req.FeatureID,
		Topic:        topic,
		Question:     req.Question,
		Answer:       answer,
		Confidence:   confidence,
		Status:       status,
		EscalationID: escalationID,
		DurationMs:   durationMs,
		Metadata:     metadata,
	}
	if err := s.audit.Append(record); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

// buildAskRequest packages the question, caller context, and the prior
// conversation into one fully-contexted worker request.
func buildAskRequest(topic, sessionID string, req contracts.AskExpertRequest, prior []*models.Message) (contracts.InvokeRequest, error) {
	conversation := make([]contracts.ConversationTurn, 0, len(prior))
	for _, msg := range prior {
		conversation = append(conversation, contracts.ConversationTurn{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	workerContext := map[string]any{
		"question":   req.Question,
		"feature_id": req.FeatureID,
		"topic":      topic,
	}
	if len(req.Context) > 0 {
		workerContext["caller_context"] = json.RawMessage(req.Context)
	}
	if len(conversation) > 0 {
		workerContext["conversation"] = conversation
	}

	rawContext, err := json.Marshal(workerContext)
	if err != nil {
		return contracts.InvokeRequest{}, fmt.Errorf("failed to build worker context: %w", err)
	}
	parameters, _ := json.Marshal(map[string]string{"topic": topic})

	return contracts.InvokeRequest{
		WorkflowType: askWorkflowType,
		Context:      rawContext,
		Parameters:   parameters,
		SessionID:    sessionID,
	}, nil
}

// parseWorkerAnswer extracts the answer text; a result that is not the
// conventional object is carried verbatim.
func parseWorkerAnswer(result json.RawMessage) contracts.WorkerAnswer {
	var answer contracts.WorkerAnswer
	if len(result) > 0 {
		if err := json.Unmarshal(result, &answer); err == nil && answer.Answer != "" {
			return answer
		}
	}
	return contracts.WorkerAnswer{Answer: string(result)}
}

func assistantMetadata(resp *contracts.InvokeResponse, agent AgentConfig, durationMs int64, escalationID *string) []byte {
	meta := map[string]any{
		"confidence":  resp.Confidence,
		"duration_ms": durationMs,
	}
	if agent.DefaultModel != "" {
		meta["model_used"] = agent.DefaultModel
	}
	if escalationID != nil {
		meta["escalation_id"] = *escalationID
	}
	raw, _ := json.Marshal(meta)
	return raw
}

// featureIDFromContext pulls a feature_id out of an opaque invoke context
// when the caller supplied one.
func featureIDFromContext(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var ctx struct {
		FeatureID string `json:"feature_id"`
	}
	if err := json.Unmarshal(raw, &ctx); err != nil || ctx.FeatureID == "" {
		return nil
	}
	if !models.ValidFeatureID(ctx.FeatureID) {
		return nil
	}
	return &ctx.FeatureID
}

func auditFeatureID(featureID *string) string {
	if featureID != nil {
		return *featureID
	}
	return "unscoped"
}
