package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// SessionWithMessages is a session snapshot plus its ordered history.
type SessionWithMessages struct {
	Session  *models.Session   `json:"session"`
	Messages []*models.Message `json:"messages"`
}

// CreateSession opens an active session bound to one agent.
func (s *Service) CreateSession(ctx context.Context, agentID string, featureID *string) (*models.Session, error) {
	if _, ok := s.routing.Agent(agentID); !ok {
		return nil, &ErrUnknownAgent{AgentID: agentID, KnownAgents: s.knownAgentIDs()}
	}
	if featureID != nil && !models.ValidFeatureID(*featureID) {
		return nil, fmt.Errorf("%w: invalid feature_id %q", ErrValidation, *featureID)
	}

	ts := now()
	expires := ts.Add(s.sessionTTL)
	session := &models.Session{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		FeatureID: featureID,
		Status:    models.SessionStatusActive,
		CreatedAt: ts,
		UpdatedAt: ts,
		ExpiresAt: &expires,
	}
	if err := s.repos.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession returns the session and its full message history. Expiry is
// lazy: an overdue active session flips to expired on this read.
func (s *Service) GetSession(ctx context.Context, id string) (*SessionWithMessages, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	messages, err := s.repos.Messages.ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionWithMessages{Session: session, Messages: messages}, nil
}

// CloseSession moves the session to closed; history is preserved.
func (s *Service) CloseSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionStatusActive {
		ts := now()
		if err := s.repos.Sessions.SetStatus(ctx, id, models.SessionStatusClosed, ts); err != nil {
			return nil, err
		}
		session.Status = models.SessionStatusClosed
		session.UpdatedAt = ts
	}
	return session, nil
}

// loadSession fetches a session and applies lazy expiry.
func (s *Service) loadSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.repos.Sessions.Get(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionStatusActive && session.ExpiredAt(now()) {
		ts := now()
		if err := s.repos.Sessions.SetStatus(ctx, id, models.SessionStatusExpired, ts); err != nil {
			return nil, err
		}
		session.Status = models.SessionStatusExpired
		session.UpdatedAt = ts
	}
	return session, nil
}

// ensureWritableSession resolves the session an exchange appends to. A blank
// id creates a fresh session bound to the agent; otherwise the session must
// exist, be active, be unexpired, and belong to the same agent.
func (s *Service) ensureWritableSession(ctx context.Context, sessionID, agentID string, featureID *string) (*models.Session, error) {
	if sessionID == "" {
		return s.CreateSession(ctx, agentID, featureID)
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case models.SessionStatusExpired:
		return nil, ErrSessionExpired
	case models.SessionStatusClosed:
		return nil, ErrSessionNotActive
	}
	if session.AgentID != agentID {
		return nil, fmt.Errorf("%w: session %s belongs to agent %s", ErrValidation, sessionID, session.AgentID)
	}
	return session, nil
}

func (s *Service) knownAgentIDs() []string {
	agents := s.routing.Agents()
	ids := make([]string, 0, len(agents))
	for _, agent := range agents {
		ids = append(ids, agent.ID)
	}
	return ids
}

// appendMessage validates and appends one message, bumping the session.
func (s *Service) appendMessage(ctx context.Context, sessionID string, role models.MessageRole, content string, metadata []byte) (*models.Message, error) {
	ts := now()
	msg, err := models.NewMessage(uuid.New().String(), sessionID, role, content, metadata, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.repos.Messages.Append(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.repos.Sessions.Touch(ctx, sessionID, ts); err != nil {
		return nil, err
	}
	return msg, nil
}
