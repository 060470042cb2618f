package repositories

import (
	"database/sql"

	"github.com/farmer1st/farmer-code/internal/db"
)

// Orchestrator bundles the repositories backed by the Orchestrator's store.
type Orchestrator struct {
	Workflows *WorkflowRepo
	History   *WorkflowHistoryRepo

	db db.Database
}

func NewOrchestrator(database db.Database) *Orchestrator {
	conn := database.Conn()

	return &Orchestrator{
		Workflows: NewWorkflowRepo(conn),
		History:   NewWorkflowHistoryRepo(conn),
		db:        database,
	}
}

// BeginTx starts a database transaction
func (r *Orchestrator) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}

// Hub bundles the repositories backed by the Agent Hub's store.
type Hub struct {
	Sessions    *SessionRepo
	Messages    *MessageRepo
	Escalations *EscalationRepo

	db db.Database
}

func NewHub(database db.Database) *Hub {
	conn := database.Conn()

	return &Hub{
		Sessions:    NewSessionRepo(conn),
		Messages:    NewMessageRepo(conn),
		Escalations: NewEscalationRepo(conn),
		db:          database,
	}
}

// BeginTx starts a database transaction
func (r *Hub) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
