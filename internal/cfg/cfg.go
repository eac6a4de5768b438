// Package cfg holds the application-level configuration for the warden
// server, registered and validated the same way as the shared library
// configs.
package cfg

import (
	"errors"
	"flag"
	"fmt"

	"github.com/linnemanlabs/warden/internal/registry"
)

// Config adds warden-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	ProducerToken         string
	OperatorToken         string
	SweepIntervalSeconds  int
	DigestIntervalHours   int
	ClaudeAPIKey          string
	ClaudeModel           string
	SlackWebhookURL       string
	DefaultLocale         string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.ProducerToken, "producer-token", "", "bearer token for module ingestion endpoints")
	fs.StringVar(&c.OperatorToken, "operator-token", "", "bearer token for triage and admin endpoints")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 60, "interval between background sweeps (0 = disabled, 5..3600)")
	fs.IntVar(&c.DigestIntervalHours, "digest-interval-hours", 24, "hours between per-tenant digest notifications (0 = disabled, 1..168)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for narrative generation (empty = deterministic summaries only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notifications")
	fs.StringVar(&c.DefaultLocale, "default-locale", "en", "label locale when requests omit one (en or es)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Both token classes are required; producer covers module ingestion,
	// operator covers everything else.
	if c.ProducerToken == "" {
		errs = append(errs, errors.New("PRODUCER_TOKEN is required"))
	}
	if c.OperatorToken == "" {
		errs = append(errs, errors.New("OPERATOR_TOKEN is required"))
	}
	if c.ProducerToken != "" && c.ProducerToken == c.OperatorToken {
		errs = append(errs, errors.New("PRODUCER_TOKEN and OPERATOR_TOKEN must differ"))
	}

	// Sweep interval: 0 disables the sweeper entirely.
	if c.SweepIntervalSeconds != 0 && (c.SweepIntervalSeconds < 5 || c.SweepIntervalSeconds > 3600) {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be 0 or 5..3600)", c.SweepIntervalSeconds))
	}

	// Digest interval: 0 disables digest delivery without touching escalation
	// notifications.
	if c.DigestIntervalHours < 0 || c.DigestIntervalHours > 168 {
		errs = append(errs, fmt.Errorf("invalid DIGEST_INTERVAL_HOURS %d (must be 0 or 1..168)", c.DigestIntervalHours))
	}

	// Claude is optional, but a key without a model is a misconfiguration.
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if !registry.ValidLocale(registry.Locale(c.DefaultLocale)) {
		errs = append(errs, fmt.Errorf("invalid DEFAULT_LOCALE %q (must be en or es)", c.DefaultLocale))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
