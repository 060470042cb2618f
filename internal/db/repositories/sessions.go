package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/farmer1st/farmer-code/pkg/models"
)

// SessionRepo manages conversation session persistence.
type SessionRepo struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{
		db:     db,
		tracer: otel.Tracer("farmer-code-database"),
	}
}

const sessionColumns = `id, agent_id, feature_id, status, created_at, updated_at, expires_at`

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	ctx, span := r.tracer.Start(ctx, "sessions.create",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentID, nullString(s.FeatureID), string(s.Status),
		s.CreatedAt, s.UpdatedAt, nullTime(s.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	var s models.Session
	var featureID sql.NullString
	var status string
	var expiresAt sql.NullTime

	err := row.Scan(&s.ID, &s.AgentID, &featureID, &status, &s.CreatedAt, &s.UpdatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.FeatureID = stringPtr(featureID)
	s.Status = models.SessionStatus(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		s.ExpiresAt = &t
	}
	return &s, nil
}

// SetStatus moves the session to a new lifecycle state.
func (r *SessionRepo) SetStatus(ctx context.Context, id string, status models.SessionStatus, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps updated_at after an append.
func (r *SessionRepo) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id)
	return err
}

// ExpireOverdue flips every active session past its deadline to expired and
// returns how many were moved.
func (r *SessionRepo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(models.SessionStatusExpired), now, string(models.SessionStatusActive), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
