package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars and returns when all are registered for cleanup.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// requiredEnvs returns the minimum env vars needed for LoadEnvConfig to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"PSYCH_ADMIN_TOKEN": "admin-secret",
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "ConfigFile", cfg.ConfigFile, "/etc/psychfeed/config.yaml")
	assertEqual(t, "StateDir", cfg.StateDir, "/var/lib/psychfeed")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "0.0.0.0")

	assertEqual(t, "APIPort", cfg.APIPort, 2280)
	assertEqual(t, "APIMaxBodyBytes", cfg.APIMaxBodyBytes, 1<<20)

	assertEqual(t, "JournalQueueSize", cfg.JournalQueueSize, 8192)
	assertEqual(t, "JournalQueueFlushBatchSize", cfg.JournalQueueFlushBatchSize, 2048)
	assertEqual(t, "JournalQueueFlushInterval", cfg.JournalQueueFlushInterval, 30*time.Second)
	assertEqual(t, "JournalDBMaxMB", cfg.JournalDBMaxMB, 256)
	assertEqual(t, "JournalDBRetainCount", cfg.JournalDBRetainCount, 5)

	assertEqual(t, "CounterLogInterval", cfg.CounterLogInterval, time.Minute)
	assertEqual(t, "DiagSchedule", cfg.DiagSchedule, "0 6 * * *")
	assertEqual(t, "GeoIPDB", cfg.GeoIPDB, "")
	assertEqual(t, "AdminToken", cfg.AdminToken, "admin-secret")
}

func TestLoadEnvConfig_EnvOverrides(t *testing.T) {
	envs := requiredEnvs()
	envs["PSYCH_CONFIG_FILE"] = "/tmp/feed.yaml"
	envs["PSYCH_STATE_DIR"] = "/tmp/state"
	envs["PSYCH_LISTEN_ADDRESS"] = "127.0.0.1"
	envs["PSYCH_API_PORT"] = "8080"
	envs["PSYCH_API_MAX_BODY_BYTES"] = "2097152"
	envs["PSYCH_JOURNAL_QUEUE_SIZE"] = "16384"
	envs["PSYCH_JOURNAL_QUEUE_FLUSH_BATCH_SIZE"] = "4096"
	envs["PSYCH_JOURNAL_QUEUE_FLUSH_INTERVAL"] = "2m"
	envs["PSYCH_JOURNAL_DB_MAX_MB"] = "64"
	envs["PSYCH_JOURNAL_DB_RETAIN_COUNT"] = "3"
	envs["PSYCH_COUNTER_LOG_INTERVAL"] = "10s"
	envs["PSYCH_DIAG_SCHEDULE"] = "0 0 * * *"
	envs["PSYCH_GEOIP_DB"] = "/var/lib/geoip/country.mmdb"
	setEnvs(t, envs)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "ConfigFile", cfg.ConfigFile, "/tmp/feed.yaml")
	assertEqual(t, "StateDir", cfg.StateDir, "/tmp/state")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "127.0.0.1")
	assertEqual(t, "APIPort", cfg.APIPort, 8080)
	assertEqual(t, "APIMaxBodyBytes", cfg.APIMaxBodyBytes, 2097152)
	assertEqual(t, "JournalQueueSize", cfg.JournalQueueSize, 16384)
	assertEqual(t, "JournalQueueFlushBatchSize", cfg.JournalQueueFlushBatchSize, 4096)
	assertEqual(t, "JournalQueueFlushInterval", cfg.JournalQueueFlushInterval, 2*time.Minute)
	assertEqual(t, "JournalDBMaxMB", cfg.JournalDBMaxMB, 64)
	assertEqual(t, "JournalDBRetainCount", cfg.JournalDBRetainCount, 3)
	assertEqual(t, "CounterLogInterval", cfg.CounterLogInterval, 10*time.Second)
	assertEqual(t, "DiagSchedule", cfg.DiagSchedule, "0 0 * * *")
	assertEqual(t, "GeoIPDB", cfg.GeoIPDB, "/var/lib/geoip/country.mmdb")
}

func TestLoadEnvConfig_MissingAdminToken(t *testing.T) {
	// Ensure PSYCH_ADMIN_TOKEN is not set
	os.Unsetenv("PSYCH_ADMIN_TOKEN")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing PSYCH_ADMIN_TOKEN")
	}
	assertContains(t, err.Error(), "PSYCH_ADMIN_TOKEN must be defined (can be empty)")
}

func TestLoadEnvConfig_EmptyTokenAllowedWhenDefined(t *testing.T) {
	t.Setenv("PSYCH_ADMIN_TOKEN", "")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "AdminToken", cfg.AdminToken, "")
}

func TestLoadEnvConfig_InvalidValuesAccumulate(t *testing.T) {
	envs := requiredEnvs()
	envs["PSYCH_API_PORT"] = "70000"
	envs["PSYCH_JOURNAL_DB_MAX_MB"] = "-1"
	envs["PSYCH_COUNTER_LOG_INTERVAL"] = "banana"
	envs["PSYCH_DIAG_SCHEDULE"] = "not a cron"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected combined validation error")
	}
	msg := err.Error()
	assertContains(t, msg, "PSYCH_API_PORT")
	assertContains(t, msg, "PSYCH_JOURNAL_DB_MAX_MB")
	assertContains(t, msg, "PSYCH_COUNTER_LOG_INTERVAL")
	assertContains(t, msg, "PSYCH_DIAG_SCHEDULE")
}

func TestLoadEnvConfig_QueueBatchRelation(t *testing.T) {
	envs := requiredEnvs()
	envs["PSYCH_JOURNAL_QUEUE_SIZE"] = "1024"
	envs["PSYCH_JOURNAL_QUEUE_FLUSH_BATCH_SIZE"] = "1024"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error when queue size < 2x batch size")
	}
	assertContains(t, err.Error(), "at least 2x")
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
