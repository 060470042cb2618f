package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-wide settings for both services. Everything here is
// immutable after startup; restart to reconfigure.
type Config struct {
	DatabaseURL string
	Environment string
	Debug       bool

	// Orchestrator
	OrchestratorPort int
	AgentHubURL      string
	// WorkflowAgents maps workflow_type -> agent_id. Every type falls back
	// to DefaultAgent when absent.
	WorkflowAgents map[string]string
	DefaultAgent   string
	// WorkflowPhases maps workflow_type -> ordered phase list. A type with
	// no entry runs a single phase named after the type.
	WorkflowPhases map[string][]string

	// Agent Hub
	HubPort              int
	RoutingConfigPath    string
	AuditLogPath         string
	SessionExpiryHours   int
	EscalationThreshold  int
	EscalationTTLDays    int
	SweepIntervalMinutes int

	// Forge integration (optional; escalation comments)
	Forge ForgeConfig
}

// SessionTTLDuration converts the configured session expiry to a duration.
func (c *Config) SessionTTLDuration() time.Duration {
	return time.Duration(c.SessionExpiryHours) * time.Hour
}

// EscalationTTLDuration converts the configured escalation TTL to a duration.
func (c *Config) EscalationTTLDuration() time.Duration {
	return time.Duration(c.EscalationTTLDays) * 24 * time.Hour
}

// ForgeConfig holds the outbound issue-tracker settings.
type ForgeConfig struct {
	Token       string
	Repo        string // "owner/name"
	IssueNumber int    // fixed escalation issue; 0 disables posting
	BaseURL     string // enterprise endpoint, empty for github.com
}

// Enabled reports whether escalation comments should be posted at all.
func (f ForgeConfig) Enabled() bool {
	return f.Token != "" && f.Repo != "" && f.IssueNumber > 0
}

// OwnerRepo splits Repo into its two halves.
func (f ForgeConfig) OwnerRepo() (string, string, error) {
	parts := strings.SplitN(f.Repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("forge repo must be owner/name, got %q", f.Repo)
	}
	return parts[0], parts[1], nil
}

// Load reads configuration from the environment. WorkflowAgents and
// WorkflowPhases come from viper's workflow_agents and workflow_phases keys,
// which stay empty unless viper was given a config file before Load runs;
// cmd/main.go does not load one.
func Load() (*Config, error) {
	bindEnvVars()

	cfg := &Config{
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "./farmer-code.db"),
		Environment: getEnvOrDefault("ENVIRONMENT", "development"),
		Debug:       getEnvBoolOrDefault("FC_DEBUG", false),

		OrchestratorPort: getEnvIntOrDefault("ORCHESTRATOR_PORT", 8000),
		AgentHubURL:      getEnvOrDefault("AGENT_HUB_URL", "http://localhost:8001"),
		WorkflowAgents:   viper.GetStringMapString("workflow_agents"),
		DefaultAgent:     getEnvOrDefault("FC_DEFAULT_AGENT", "baron"),
		WorkflowPhases:   viper.GetStringMapStringSlice("workflow_phases"),

		HubPort:              getEnvIntOrDefault("HUB_PORT", 8001),
		RoutingConfigPath:    getEnvOrDefault("ROUTING_CONFIG", "./routing.yml"),
		AuditLogPath:         getEnvOrDefault("AUDIT_LOG_PATH", "./logs"),
		SessionExpiryHours:   getEnvIntOrDefault("SESSION_EXPIRY_HOURS", 1),
		EscalationThreshold:  getEnvIntOrDefault("ESCALATION_THRESHOLD", 80),
		EscalationTTLDays:    getEnvIntOrDefault("ESCALATION_TTL_DAYS", 7),
		SweepIntervalMinutes: getEnvIntOrDefault("FC_SWEEP_INTERVAL_MINUTES", 5),

		Forge: ForgeConfig{
			Token:       getEnvOrDefault("GITHUB_TOKEN", ""),
			Repo:        getEnvOrDefault("GITHUB_REPO", ""),
			IssueNumber: getEnvIntOrDefault("GITHUB_ESCALATION_ISSUE", 0),
			BaseURL:     getEnvOrDefault("GITHUB_BASE_URL", ""),
		},
	}

	if cfg.EscalationThreshold < 0 || cfg.EscalationThreshold > 100 {
		return nil, fmt.Errorf("ESCALATION_THRESHOLD must be within [0,100], got %d", cfg.EscalationThreshold)
	}
	if cfg.SessionExpiryHours <= 0 {
		return nil, fmt.Errorf("SESSION_EXPIRY_HOURS must be positive, got %d", cfg.SessionExpiryHours)
	}
	if cfg.EscalationTTLDays <= 0 {
		return nil, fmt.Errorf("ESCALATION_TTL_DAYS must be positive, got %d", cfg.EscalationTTLDays)
	}

	return cfg, nil
}

func bindEnvVars() {
	for _, key := range []string{
		"database_url", "environment",
		"orchestrator_port", "agent_hub_url",
		"hub_port", "routing_config", "audit_log_path",
		"session_expiry_hours", "escalation_threshold", "escalation_ttl_days",
		"github_token", "github_repo", "github_escalation_issue", "github_base_url",
	} {
		_ = viper.BindEnv(key)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
