package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// createEscalation opens a human-review request in one atomic step: the
// escalation row and the assistant message commit together. The forge
// comment is posted after the commit and never fails the call.
func (s *Service) createEscalation(ctx context.Context, session *models.Session, topic, question string, answer contracts.WorkerAnswer, resp *contracts.InvokeResponse, durationMs int64, agent AgentConfig) (*models.Escalation, error) {
	ts := now()
	escalation := &models.Escalation{
		ID:                 uuid.New().String(),
		SessionID:          &session.ID,
		QuestionID:         uuid.New().String(),
		Topic:              topic,
		Question:           question,
		TentativeAnswer:    answer.Answer,
		Confidence:         resp.Confidence,
		UncertaintyReasons: answer.UncertaintyReasons,
		Status:             models.EscalationStatusPending,
		CreatedAt:          ts,
		UpdatedAt:          ts,
		ExpiresAt:          ts.Add(s.escalationTTL),
	}

	metadata := assistantMetadata(resp, agent, durationMs, &escalation.ID)
	msg, err := models.NewMessage(uuid.New().String(), session.ID, models.MessageRoleAssistant, answer.Answer, metadata, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.repos.Escalations.CreateTx(ctx, tx, escalation); err != nil {
		return nil, err
	}
	if err := s.repos.Messages.AppendTx(ctx, tx, msg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if err := s.repos.Sessions.Touch(ctx, session.ID, ts); err != nil {
		return nil, err
	}

	if s.forge != nil {
		commentID, err := s.forge.PostEscalation(ctx, escalation)
		if err != nil {
			logging.Warn("forge post for escalation %s failed: %v", escalation.ID, err)
		} else if commentID != "" {
			if err := s.repos.Escalations.SetExternalCommentID(ctx, escalation.ID, commentID, now()); err != nil {
				logging.Warn("could not store forge comment id for escalation %s: %v", escalation.ID, err)
			} else {
				escalation.ExternalCommentID = &commentID
			}
		}
	}

	return escalation, nil
}

// GetEscalation returns the escalation, applying lazy expiry on access.
func (s *Service) GetEscalation(ctx context.Context, id string) (*models.Escalation, error) {
	escalation, err := s.repos.Escalations.Get(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrEscalationNotFound
	}
	if err != nil {
		return nil, err
	}

	if escalation.Status == models.EscalationStatusPending && escalation.ExpiredAt(now()) {
		if _, err := s.repos.Escalations.ExpireOverdue(ctx, now()); err != nil {
			return nil, err
		}
		return s.repos.Escalations.Get(ctx, id)
	}
	return escalation, nil
}

// ResolveRequest carries a human decision on a pending escalation.
type ResolveRequest struct {
	Action    models.HumanAction
	Response  *string
	Responder string
}

// ResolutionResult pairs the resolved escalation with the reroute payload an
// add_context decision hands back to the original caller.
type ResolutionResult struct {
	Escalation *models.Escalation `json:"escalation"`
	// NeedsReroute is the original question with the appended context,
	// set only for add_context.
	NeedsReroute *string `json:"needs_reroute,omitempty"`
}

// ResolveEscalation applies a human decision. An escalation leaves pending
// at most once; repeated resolutions are rejected as already resolved.
func (s *Service) ResolveEscalation(ctx context.Context, id string, req ResolveRequest) (*ResolutionResult, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: invalid action %q", ErrValidation, req.Action)
	}
	if !models.ValidResponder(req.Responder) {
		return nil, fmt.Errorf("%w: invalid responder %q", ErrValidation, req.Responder)
	}
	if req.Action == models.HumanActionCorrect && (req.Response == nil || *req.Response == "") {
		return nil, ErrMissingResponse
	}

	escalation, err := s.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if escalation.Status != models.EscalationStatusPending {
		return nil, repositories.ErrAlreadyResolved
	}

	ts := now()
	responder := req.Responder

	humanContent := humanMessageContent(escalation, req)
	metadata, _ := json.Marshal(map[string]string{
		"responder": responder,
		"action":    string(req.Action),
	})

	tx, err := s.repos.BeginTx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.repos.Escalations.Resolve(ctx, tx, id, req.Action, req.Response, &responder, ts); err != nil {
		return nil, err
	}

	if escalation.SessionID != nil {
		msg, err := models.NewMessage(uuid.New().String(), *escalation.SessionID, models.MessageRoleHuman, humanContent, metadata, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := s.repos.Messages.AppendTx(ctx, tx, msg); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	action := req.Action
	escalation.Status = models.EscalationStatusResolved
	escalation.HumanAction = &action
	escalation.HumanResponse = req.Response
	escalation.HumanResponder = &responder
	escalation.ResolvedAt = &ts
	escalation.UpdatedAt = ts

	// A correction supersedes the tentative answer: the corrected text is
	// the canonical answer at confidence 100, and the append-only audit
	// trail gets its own record saying so.
	if req.Action == models.HumanActionCorrect {
		if err := s.appendCorrectionAudit(ctx, escalation); err != nil {
			return nil, err
		}
	}

	result := &ResolutionResult{Escalation: escalation}
	if req.Action == models.HumanActionAddContext {
		reroute := escalation.Question
		if req.Response != nil && *req.Response != "" {
			reroute = escalation.Question + "\n\nAdditional context: " + *req.Response
		}
		result.NeedsReroute = &reroute
	}
	return result, nil
}

// appendCorrectionAudit writes the resolved-with-correction record. The
// feature id comes from the linked session; an unlinked escalation is
// recorded as unscoped.
func (s *Service) appendCorrectionAudit(ctx context.Context, escalation *models.Escalation) error {
	featureID := "unscoped"
	if escalation.SessionID != nil {
		if session, err := s.repos.Sessions.Get(ctx, *escalation.SessionID); err == nil && session.FeatureID != nil {
			featureID = *session.FeatureID
		}
	}

	metadata, _ := json.Marshal(map[string]string{
		"responder": derefString(escalation.HumanResponder),
		"action":    string(models.HumanActionCorrect),
	})

	record := &models.AuditRecord{
		Timestamp:    now(),
		SessionID:    escalation.SessionID,
		FeatureID:    featureID,
		Topic:        escalation.Topic,
		Question:     escalation.Question,
		Answer:       derefString(escalation.HumanResponse),
		Confidence:   100,
		Status:       models.AuditStatusResolved,
		EscalationID: &escalation.ID,
		Metadata:     metadata,
	}
	if err := s.audit.Append(record); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// humanMessageContent picks the session-visible text for each action:
// a confirmation repeats the tentative answer, a correction carries the
// corrected text, added context carries the new information.
func humanMessageContent(escalation *models.Escalation, req ResolveRequest) string {
	switch req.Action {
	case models.HumanActionCorrect:
		return *req.Response
	case models.HumanActionAddContext:
		if req.Response != nil && *req.Response != "" {
			return *req.Response
		}
		return escalation.Question
	default:
		return escalation.TentativeAnswer
	}
}
