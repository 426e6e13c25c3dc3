// Package config handles environment-based process settings and the feed
// configuration file (sessions, resources, fetch/publish knobs).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings. These are
// process-level knobs; everything feed-related lives in the config file.
type EnvConfig struct {
	// Files and directories
	ConfigFile string
	StateDir   string

	// Admin API
	ListenAddress   string
	APIPort         int
	APIMaxBodyBytes int
	AdminToken      string

	// Journal (rolling SQLite, best-effort telemetry)
	JournalQueueSize           int
	JournalQueueFlushBatchSize int
	JournalQueueFlushInterval  time.Duration
	JournalDBMaxMB             int
	JournalDBRetainCount       int

	// Counters
	CounterLogInterval time.Duration

	// Endpoint diagnostics
	DiagSchedule string
	GeoIPDB      string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.ConfigFile = envStr("PSYCH_CONFIG_FILE", "/etc/psychfeed/config.yaml")
	cfg.StateDir = envStr("PSYCH_STATE_DIR", "/var/lib/psychfeed")
	cfg.ListenAddress = strings.TrimSpace(envStr("PSYCH_LISTEN_ADDRESS", "0.0.0.0"))

	cfg.APIPort = envInt("PSYCH_API_PORT", 2280, &errs)
	cfg.APIMaxBodyBytes = envInt("PSYCH_API_MAX_BODY_BYTES", 1<<20, &errs)

	cfg.JournalQueueSize = envInt("PSYCH_JOURNAL_QUEUE_SIZE", 8192, &errs)
	cfg.JournalQueueFlushBatchSize = envInt("PSYCH_JOURNAL_QUEUE_FLUSH_BATCH_SIZE", 2048, &errs)
	cfg.JournalQueueFlushInterval = envDuration("PSYCH_JOURNAL_QUEUE_FLUSH_INTERVAL", 30*time.Second, &errs)
	cfg.JournalDBMaxMB = envInt("PSYCH_JOURNAL_DB_MAX_MB", 256, &errs)
	cfg.JournalDBRetainCount = envInt("PSYCH_JOURNAL_DB_RETAIN_COUNT", 5, &errs)

	cfg.CounterLogInterval = envDuration("PSYCH_COUNTER_LOG_INTERVAL", time.Minute, &errs)

	cfg.DiagSchedule = envStr("PSYCH_DIAG_SCHEDULE", "0 6 * * *")
	cfg.GeoIPDB = envStr("PSYCH_GEOIP_DB", "")

	// Auth (must be defined; empty means auth disabled)
	adminToken, hasAdminToken := os.LookupEnv("PSYCH_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "PSYCH_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "PSYCH_LISTEN_ADDRESS must not be empty")
	}
	if cfg.ConfigFile == "" {
		errs = append(errs, "PSYCH_CONFIG_FILE must not be empty")
	}

	validatePort("PSYCH_API_PORT", cfg.APIPort, &errs)
	validatePositive("PSYCH_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	validatePositive("PSYCH_JOURNAL_QUEUE_SIZE", cfg.JournalQueueSize, &errs)
	validatePositive("PSYCH_JOURNAL_QUEUE_FLUSH_BATCH_SIZE", cfg.JournalQueueFlushBatchSize, &errs)
	validatePositive("PSYCH_JOURNAL_DB_MAX_MB", cfg.JournalDBMaxMB, &errs)
	validatePositive("PSYCH_JOURNAL_DB_RETAIN_COUNT", cfg.JournalDBRetainCount, &errs)
	if cfg.JournalQueueFlushInterval <= 0 {
		errs = append(errs, "PSYCH_JOURNAL_QUEUE_FLUSH_INTERVAL must be positive")
	}
	// Queue size must be >= 2x batch size
	if cfg.JournalQueueSize < 2*cfg.JournalQueueFlushBatchSize {
		errs = append(errs, "PSYCH_JOURNAL_QUEUE_SIZE must be at least 2x PSYCH_JOURNAL_QUEUE_FLUSH_BATCH_SIZE")
	}

	if cfg.CounterLogInterval <= 0 {
		errs = append(errs, "PSYCH_COUNTER_LOG_INTERVAL must be positive")
	}

	if _, err := cron.ParseStandard(cfg.DiagSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("PSYCH_DIAG_SCHEDULE: invalid cron expression %q: %v", cfg.DiagSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
