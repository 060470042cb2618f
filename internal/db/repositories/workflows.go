package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/farmer1st/farmer-code/pkg/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// WorkflowRepo manages workflow persistence. Status transitions always go
// through TransitionTx so the status change and its history row commit
// atomically or not at all.
type WorkflowRepo struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewWorkflowRepo(db *sql.DB) *WorkflowRepo {
	return &WorkflowRepo{
		db:     db,
		tracer: otel.Tracer("farmer-code-database"),
	}
}

const workflowColumns = `id, workflow_type, status, feature_id, feature_description,
	current_phase, context, result, error, created_at, updated_at, completed_at`

func (r *WorkflowRepo) Create(ctx context.Context, wf *models.Workflow) error {
	ctx, span := r.tracer.Start(ctx, "workflows.create",
		trace.WithAttributes(attribute.String("workflow.id", wf.ID)))
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, string(wf.Type), string(wf.Status), wf.FeatureID, wf.FeatureDescription,
		nullString(wf.CurrentPhase), nullRaw(wf.Context), nullRaw(wf.Result),
		nullString(wf.Error), wf.CreatedAt, wf.UpdatedAt, nullTime(wf.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

func (r *WorkflowRepo) Get(ctx context.Context, id string) (*models.Workflow, error) {
	ctx, span := r.tracer.Start(ctx, "workflows.get",
		trace.WithAttributes(attribute.String("workflow.id", id)))
	defer span.End()

	row := r.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// List returns snapshots newest first, optionally filtered by status.
func (r *WorkflowRepo) List(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// TransitionTx applies the updated workflow snapshot and appends its history
// row in one transaction. The caller has already validated the edge.
func (r *WorkflowRepo) TransitionTx(ctx context.Context, wf *models.Workflow, h *models.WorkflowHistory) error {
	ctx, span := r.tracer.Start(ctx, "workflows.transition",
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID),
			attribute.String("workflow.to_status", string(h.ToStatus)),
		))
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, current_phase = ?, context = ?, result = ?, error = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(wf.Status), nullString(wf.CurrentPhase), nullRaw(wf.Context), nullRaw(wf.Result),
		nullString(wf.Error), wf.UpdatedAt, nullTime(wf.CompletedAt),
		wf.ID, string(h.FromStatus))
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("workflow %s no longer in status %s: %w", wf.ID, h.FromStatus, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_history (id, workflow_id, from_status, to_status, "trigger", metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.WorkflowID, string(h.FromStatus), string(h.ToStatus), string(h.Trigger),
		nullRaw(h.Metadata), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow history: %w", err)
	}

	return tx.Commit()
}

// MaxFeatureSeq returns the largest numeric feature_id prefix in the store,
// or 0 when the table is empty.
func (r *WorkflowRepo) MaxFeatureSeq(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT feature_id FROM workflows`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	max := 0
	for rows.Next() {
		var featureID string
		if err := rows.Scan(&featureID); err != nil {
			return 0, err
		}
		if idx := strings.IndexByte(featureID, '-'); idx > 0 {
			if seq, err := strconv.Atoi(featureID[:idx]); err == nil && seq > max {
				max = seq
			}
		}
	}
	return max, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var wf models.Workflow
	var wfType, status string
	var currentPhase, contextJSON, resultJSON, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&wf.ID, &wfType, &status, &wf.FeatureID, &wf.FeatureDescription,
		&currentPhase, &contextJSON, &resultJSON, &errMsg,
		&wf.CreatedAt, &wf.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	wf.Type = models.WorkflowType(wfType)
	wf.Status = models.WorkflowStatus(status)
	wf.CurrentPhase = stringPtr(currentPhase)
	wf.Context = rawPtr(contextJSON)
	wf.Result = rawPtr(resultJSON)
	wf.Error = stringPtr(errMsg)
	if completedAt.Valid {
		t := completedAt.Time
		wf.CompletedAt = &t
	}
	return &wf, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	value := s.String
	return &value
}

func rawPtr(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}
