package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/farmer1st/farmer-code/pkg/models"
)

// ErrAlreadyResolved is returned when resolving a non-pending escalation.
var ErrAlreadyResolved = errors.New("escalation already resolved")

// EscalationRepo manages escalation persistence. Creation may share a
// transaction with the assistant-message append; resolution is a guarded
// single-shot update so an escalation leaves pending at most once.
type EscalationRepo struct {
	db *sql.DB
}

func NewEscalationRepo(db *sql.DB) *EscalationRepo {
	return &EscalationRepo{db: db}
}

const escalationColumns = `id, session_id, question_id, topic, question, tentative_answer,
	confidence, uncertainty_reasons, status, human_action, human_response, human_responder,
	external_comment_id, created_at, updated_at, resolved_at, expires_at`

// CreateTx inserts the escalation on the caller's transaction.
func (r *EscalationRepo) CreateTx(ctx context.Context, tx execer, e *models.Escalation) error {
	reasons, err := json.Marshal(e.UncertaintyReasons)
	if err != nil {
		return fmt.Errorf("failed to marshal uncertainty reasons: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalations (`+escalationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.SessionID), e.QuestionID, e.Topic, e.Question, e.TentativeAnswer,
		e.Confidence, string(reasons), string(e.Status),
		nullAction(e.HumanAction), nullString(e.HumanResponse), nullString(e.HumanResponder),
		nullString(e.ExternalCommentID), e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt), e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}
	return nil
}

func (r *EscalationRepo) Get(ctx context.Context, id string) (*models.Escalation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	return scanEscalation(row)
}

// Resolve applies the human decision iff the escalation is still pending.
func (r *EscalationRepo) Resolve(ctx context.Context, tx execer, id string, action models.HumanAction, response, responder *string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE escalations
		SET status = ?, human_action = ?, human_response = ?, human_responder = ?,
		    resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.EscalationStatusResolved), string(action),
		nullString(response), nullString(responder), now, now,
		id, string(models.EscalationStatusPending))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// SetExternalCommentID stores the forge comment id after a successful post.
func (r *EscalationRepo) SetExternalCommentID(ctx context.Context, id, commentID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE escalations SET external_comment_id = ?, updated_at = ? WHERE id = ?`,
		commentID, now, id)
	return err
}

// ExpireOverdue flips pending escalations past their deadline to expired.
func (r *EscalationRepo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escalations SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at <= ?`,
		string(models.EscalationStatusExpired), now, string(models.EscalationStatusPending), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEscalation(row rowScanner) (*models.Escalation, error) {
	var e models.Escalation
	var sessionID, humanAction, humanResponse, humanResponder, externalCommentID sql.NullString
	var reasons sql.NullString
	var status string
	var resolvedAt sql.NullTime

	err := row.Scan(&e.ID, &sessionID, &e.QuestionID, &e.Topic, &e.Question, &e.TentativeAnswer,
		&e.Confidence, &reasons, &status, &humanAction, &humanResponse, &humanResponder,
		&externalCommentID, &e.CreatedAt, &e.UpdatedAt, &resolvedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.SessionID = stringPtr(sessionID)
	e.Status = models.EscalationStatus(status)
	if humanAction.Valid {
		action := models.HumanAction(humanAction.String)
		e.HumanAction = &action
	}
	e.HumanResponse = stringPtr(humanResponse)
	e.HumanResponder = stringPtr(humanResponder)
	e.ExternalCommentID = stringPtr(externalCommentID)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &e.UncertaintyReasons); err != nil {
			return nil, fmt.Errorf("failed to decode uncertainty reasons: %w", err)
		}
	}
	return &e, nil
}

func nullAction(a *models.HumanAction) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*a), Valid: true}
}
