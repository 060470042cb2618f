package repositories

import (
	"context"
	"database/sql"

	"github.com/farmer1st/farmer-code/pkg/models"
)

// WorkflowHistoryRepo reads the append-only transition log. Writes happen
// inside WorkflowRepo.TransitionTx so they share the workflow's transaction.
type WorkflowHistoryRepo struct {
	db *sql.DB
}

func NewWorkflowHistoryRepo(db *sql.DB) *WorkflowHistoryRepo {
	return &WorkflowHistoryRepo{db: db}
}

// ListByWorkflow returns the transition rows strictly ordered by creation.
func (r *WorkflowHistoryRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, from_status, to_status, "trigger", metadata, created_at
		FROM workflow_history
		WHERE workflow_id = ?
		ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.WorkflowHistory
	for rows.Next() {
		var h models.WorkflowHistory
		var fromStatus, toStatus, trigger string
		var metadata sql.NullString

		if err := rows.Scan(&h.ID, &h.WorkflowID, &fromStatus, &toStatus, &trigger, &metadata, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.FromStatus = models.WorkflowStatus(fromStatus)
		h.ToStatus = models.WorkflowStatus(toStatus)
		h.Trigger = models.WorkflowTrigger(trigger)
		h.Metadata = rawPtr(metadata)
		result = append(result, &h)
	}
	return result, rows.Err()
}

// CountByWorkflow returns the number of recorded transitions.
func (r *WorkflowHistoryRepo) CountByWorkflow(ctx context.Context, workflowID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_history WHERE workflow_id = ?`, workflowID).Scan(&count)
	return count, err
}
