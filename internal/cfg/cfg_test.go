package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		ProducerToken:         "producer-token-123",
		OperatorToken:         "operator-token-456",
		SweepIntervalSeconds:  60,
		ClaudeModel:           "claude-sonnet-4-20250514",
		DefaultLocale:         "en",
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.SweepIntervalSeconds != 60 {
		t.Errorf("SweepIntervalSeconds = %d, want 60", c.SweepIntervalSeconds)
	}
	if c.DigestIntervalHours != 24 {
		t.Errorf("DigestIntervalHours = %d, want 24", c.DigestIntervalHours)
	}
	if c.DefaultLocale != "en" {
		t.Errorf("DefaultLocale = %q, want en", c.DefaultLocale)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-producer-token", "p-tok",
		"-operator-token", "o-tok",
		"-sweep-interval-seconds", "300",
		"-digest-interval-hours", "12",
		"-default-locale", "es",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.ProducerToken != "p-tok" {
		t.Errorf("ProducerToken = %q, want p-tok", c.ProducerToken)
	}
	if c.SweepIntervalSeconds != 300 {
		t.Errorf("SweepIntervalSeconds = %d, want 300", c.SweepIntervalSeconds)
	}
	if c.DigestIntervalHours != 12 {
		t.Errorf("DigestIntervalHours = %d, want 12", c.DigestIntervalHours)
	}
	if c.DefaultLocale != "es" {
		t.Errorf("DefaultLocale = %q, want es", c.DefaultLocale)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			mutate:    func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "port zero",
			mutate:    func(c *Config) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "missing producer token",
			mutate:    func(c *Config) { c.ProducerToken = "" },
			wantErr:   true,
			errSubstr: []string{"PRODUCER_TOKEN"},
		},
		{
			name:      "missing operator token",
			mutate:    func(c *Config) { c.OperatorToken = "" },
			wantErr:   true,
			errSubstr: []string{"OPERATOR_TOKEN"},
		},
		{
			name:      "identical tokens",
			mutate:    func(c *Config) { c.OperatorToken = c.ProducerToken },
			wantErr:   true,
			errSubstr: []string{"must differ"},
		},
		{
			name:    "sweep disabled",
			mutate:  func(c *Config) { c.SweepIntervalSeconds = 0 },
			wantErr: false,
		},
		{
			name:      "sweep too fast",
			mutate:    func(c *Config) { c.SweepIntervalSeconds = 1 },
			wantErr:   true,
			errSubstr: []string{"SWEEP_INTERVAL_SECONDS"},
		},
		{
			name:      "sweep too slow",
			mutate:    func(c *Config) { c.SweepIntervalSeconds = 3601 },
			wantErr:   true,
			errSubstr: []string{"SWEEP_INTERVAL_SECONDS"},
		},
		{
			name:    "digest disabled",
			mutate:  func(c *Config) { c.DigestIntervalHours = 0 },
			wantErr: false,
		},
		{
			name:      "digest negative",
			mutate:    func(c *Config) { c.DigestIntervalHours = -1 },
			wantErr:   true,
			errSubstr: []string{"DIGEST_INTERVAL_HOURS"},
		},
		{
			name:      "digest above a week",
			mutate:    func(c *Config) { c.DigestIntervalHours = 169 },
			wantErr:   true,
			errSubstr: []string{"DIGEST_INTERVAL_HOURS"},
		},
		{
			name:    "claude key without model",
			mutate:  func(c *Config) { c.ClaudeAPIKey = "sk-test"; c.ClaudeModel = "" },
			wantErr: true, errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:    "claude key with model",
			mutate:  func(c *Config) { c.ClaudeAPIKey = "sk-test" },
			wantErr: false,
		},
		{
			name:      "unknown locale",
			mutate:    func(c *Config) { c.DefaultLocale = "fr" },
			wantErr:   true,
			errSubstr: []string{"DEFAULT_LOCALE"},
		},
		{
			name: "all numeric fields invalid",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 0, 0, 0
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
		{
			name: "extreme negative values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	seeds := []struct {
		drain, budget, port, sweep int
		producer, operator, locale string
	}{
		{60, 90, 8080, 60, "p", "o", "en"},
		{1, 2, 1, 0, "p", "o", "es"},
		{299, 300, 65535, 3600, "p", "o", "en"},
		{0, 0, 0, 0, "", "", ""},
		{-1, -1, -1, -1, "", "", "fr"},
		{150, 100, 8080, 4, "p", "p", "en"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "p", "o", "en"},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.sweep, s.producer, s.operator, s.locale)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, sweep int, producer, operator, locale string) {
		c := Config{
			DrainSeconds:          drain,
			ShutdownBudgetSeconds: budget,
			APIPort:               port,
			SweepIntervalSeconds:  sweep,
			ProducerToken:         producer,
			OperatorToken:         operator,
			ClaudeModel:           "m",
			DefaultLocale:         locale,
		}
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		sweepOK := sweep == 0 || (sweep >= 5 && sweep <= 3600)
		tokensOK := producer != "" && operator != "" && producer != operator
		localeOK := locale == "en" || locale == "es"

		allValid := drainOK && budgetOK && portOK && crossOK && sweepOK && tokensOK && localeOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
