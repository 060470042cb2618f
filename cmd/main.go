package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/farmer1st/farmer-code/internal/api/hubapi"
	"github.com/farmer1st/farmer-code/internal/api/orchestratorapi"
	"github.com/farmer1st/farmer-code/internal/config"
	"github.com/farmer1st/farmer-code/internal/db"
	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/internal/hub"
	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/internal/orchestrator"
	"github.com/farmer1st/farmer-code/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "farmer-code",
		Short: "SDLC orchestration core: workflow orchestrator and agent hub",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a farmer-code service",
	}
	serveCmd.AddCommand(
		&cobra.Command{
			Use:   "orchestrator",
			Short: "Run the workflow orchestrator",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOrchestrator()
			},
		},
		&cobra.Command{
			Use:   "hub",
			Short: "Run the agent hub",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runHub()
			},
		},
	)

	rootCmd.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("farmer-code %s (built %s)\n", version.Version, version.BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runOrchestrator() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Initialize(cfg.Debug)

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if err := database.MigrateOrchestrator(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	repos := repositories.NewOrchestrator(database)
	hubClient := orchestrator.NewHTTPHubClient(cfg.AgentHubURL)
	service := orchestrator.NewService(ctx, repos, hubClient, cfg)
	defer service.Wait()

	return orchestratorapi.New(cfg, service).Start(ctx)
}

func runHub() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Initialize(cfg.Debug)

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if err := database.MigrateHub(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	routing, err := hub.LoadRoutingTable(cfg.RoutingConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load routing config: %w", err)
	}
	routing.ApplyEnvDefault(cfg.EscalationThreshold)

	fs := afero.NewOsFs()
	audit := hub.NewAuditLogger(fs, cfg.AuditLogPath)

	forge, err := hub.NewGitHubNotifier(cfg.Forge, fs, cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("failed to configure forge integration: %w", err)
	}

	repos := repositories.NewHub(database)
	opts := hub.Options{
		SessionTTL:    cfg.SessionTTLDuration(),
		EscalationTTL: cfg.EscalationTTLDuration(),
	}
	if forge != nil {
		opts.Forge = forge
	}
	service := hub.NewService(repos, routing, hub.NewHTTPWorkerClient(), audit, opts)
	sweeper := hub.NewSweeper(service, cfg.SweepIntervalMinutes)

	ctx, cancel := signalContext()
	defer cancel()

	return hubapi.New(cfg, service, sweeper).Start(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
