package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/farmer1st/farmer-code/pkg/models"
)

// MessageRepo appends and reads session messages. Messages are append-only;
// the seq column makes in-session order total even when timestamps collide.
type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append inserts the message with the next per-session sequence number.
func (r *MessageRepo) Append(ctx context.Context, m *models.Message) error {
	return r.AppendTx(ctx, r.db, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendTx is Append running on the caller's transaction.
func (r *MessageRepo) AppendTx(ctx context.Context, tx execer, m *models.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, metadata, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?))`,
		m.ID, m.SessionID, string(m.Role), m.Content, nullRaw(m.Metadata), m.CreatedAt, m.SessionID)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListBySession returns messages in append order.
func (r *MessageRepo) ListBySession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var metadata sql.NullString

		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.MessageRole(role)
		m.Metadata = rawPtr(metadata)
		result = append(result, &m)
	}
	return result, rows.Err()
}
