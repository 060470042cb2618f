package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/orchestrator/*.sql migrations/hub/*.sql
var migrationsFS embed.FS

// Service selects which schema a store carries.
type Service string

const (
	ServiceOrchestrator Service = "orchestrator"
	ServiceHub          Service = "hub"
)

// RunMigrations applies the embedded migrations for the given service.
func RunMigrations(conn *sql.DB, service Service) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	dir := fmt.Sprintf("migrations/%s", service)
	if err := goose.Up(conn, dir); err != nil {
		return fmt.Errorf("failed to run %s migrations: %w", service, err)
	}
	return nil
}
