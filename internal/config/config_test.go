package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TASKFORGE_PORT", "TASKFORGE_DB_DSN", "TASKFORGE_LOG_LEVEL",
		"TASKFORGE_SHUTDOWN_TIMEOUT", "TASKFORGE_REQUIRE_HTTPS",
		"TASKFORGE_MAX_BODY_BYTES", "TASKFORGE_ACCESS_TOKEN_TTL",
		"TASKFORGE_ENCRYPTION_MASTER_KEY", "TASKFORGE_REDIS_URL",
		"TASKFORGE_LEASE_TTL_DEFAULT", "TASKFORGE_LEASE_CLEANUP_INTERVAL",
		"TASKFORGE_LEASE_CLEANUP_MAX_PER_RUN", "TASKFORGE_MAX_INFLIGHT_PER_ACCOUNT",
		"TASKFORGE_WORKER_CHANNEL_CAPACITY", "TASKFORGE_RATE_HOURLY_WINDOW",
		"TASKFORGE_RATE_HOURLY_MAX_EVENTS", "TASKFORGE_RATE_DAILY_WINDOW",
		"TASKFORGE_RATE_DAILY_MAX_EVENTS", "TASKFORGE_PER_TARGET_WINDOW",
		"TASKFORGE_PER_TARGET_MAX_EVENTS", "TASKFORGE_RATE_COOLDOWN_MIN_S",
		"TASKFORGE_RATE_COOLDOWN_MAX_S", "TASKFORGE_RATE_MAX_WAIT_S",
		"TASKFORGE_ACCOUNTS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", "/tmp/test.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default Port 8080, got %s", cfg.Port)
	}
	if cfg.DBDSN != "/tmp/test.db" {
		t.Fatalf("expected DBDSN /tmp/test.db, got %s", cfg.DBDSN)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default LogLevel info, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("expected default ShutdownTimeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.LeaseTTLDefault != 300*time.Second {
		t.Fatalf("expected default LeaseTTLDefault 300s, got %v", cfg.LeaseTTLDefault)
	}
	if cfg.LeaseCleanupInterval != 60*time.Second {
		t.Fatalf("expected default LeaseCleanupInterval 60s, got %v", cfg.LeaseCleanupInterval)
	}
	if cfg.LeaseCleanupMaxPerRun != 100 {
		t.Fatalf("expected default LeaseCleanupMaxPerRun 100, got %d", cfg.LeaseCleanupMaxPerRun)
	}
	if cfg.MaxInflightPerAccount != 1 {
		t.Fatalf("expected default MaxInflightPerAccount 1, got %d", cfg.MaxInflightPerAccount)
	}
	if cfg.RateCooldownMinSecs != 600 || cfg.RateCooldownMaxSecs != 2400 {
		t.Fatalf("expected default cooldown range 600-2400, got %d-%d", cfg.RateCooldownMinSecs, cfg.RateCooldownMaxSecs)
	}
	if cfg.RateMaxWaitSeconds != 120 {
		t.Fatalf("expected default RateMaxWaitSeconds 120, got %d", cfg.RateMaxWaitSeconds)
	}
	if cfg.RequireHTTPS {
		t.Fatalf("expected RequireHTTPS false by default")
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected empty RedisURL by default, got %s", cfg.RedisURL)
	}
}

func TestLoad_CustomEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", "/tmp/custom.db")
	t.Setenv("TASKFORGE_PORT", "9090")
	t.Setenv("TASKFORGE_LOG_LEVEL", "DEBUG")
	t.Setenv("TASKFORGE_SHUTDOWN_TIMEOUT", "1m30s")
	t.Setenv("TASKFORGE_REQUIRE_HTTPS", "true")
	t.Setenv("TASKFORGE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("TASKFORGE_ENCRYPTION_MASTER_KEY", strings.Repeat("a", 32))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("expected Port 9090, got %s", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel debug, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != time.Minute+30*time.Second {
		t.Fatalf("expected ShutdownTimeout 90s, got %v", cfg.ShutdownTimeout)
	}
	if !cfg.RequireHTTPS {
		t.Fatalf("expected RequireHTTPS true")
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("expected RedisURL override, got %s", cfg.RedisURL)
	}
	if len(cfg.EncryptionMasterKey) != 32 {
		t.Fatalf("expected 32-char master key, got %d", len(cfg.EncryptionMasterKey))
	}
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", "/tmp/test.db")
	t.Setenv("TASKFORGE_SHUTDOWN_TIMEOUT", "notaduration")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid TASKFORGE_SHUTDOWN_TIMEOUT, got nil")
	}
}

func TestLoad_MissingDBDSN(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatalf("expected error when TASKFORGE_DB_DSN is missing, got nil")
	}
	if !strings.Contains(err.Error(), "TASKFORGE_DB_DSN") {
		t.Fatalf("error does not mention TASKFORGE_DB_DSN: %v", err)
	}
}

func TestLoad_ShortMasterKeyRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", ":memory:")
	t.Setenv("TASKFORGE_ENCRYPTION_MASTER_KEY", "tooshort")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error for short master key, got nil")
	}
}

func TestLoad_InvalidCooldownRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", ":memory:")
	t.Setenv("TASKFORGE_RATE_COOLDOWN_MIN_S", "5000")
	t.Setenv("TASKFORGE_RATE_COOLDOWN_MAX_S", "1000")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error when cooldown min > max, got nil")
	}
}

func TestLoad_AccountsParsed(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", ":memory:")
	t.Setenv("TASKFORGE_ACCOUNTS", `[{"name":"acct1","username":"u1","password":"p1","kinds":["send_messages"]}]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Name != "acct1" || len(cfg.Accounts[0].Kinds) != 1 {
		t.Fatalf("unexpected account parsed: %+v", cfg.Accounts[0])
	}
}

func TestLoad_AccountsMissingKindsRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", ":memory:")
	t.Setenv("TASKFORGE_ACCOUNTS", `[{"name":"acct1"}]`)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for account missing kinds, got nil")
	}
}

func TestLoad_InvalidLeaseCleanupMaxPerRun(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFORGE_DB_DSN", ":memory:")
	t.Setenv("TASKFORGE_LEASE_CLEANUP_MAX_PER_RUN", "not-an-int")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error for invalid TASKFORGE_LEASE_CLEANUP_MAX_PER_RUN, got nil")
	}
	if !strings.Contains(err.Error(), "TASKFORGE_LEASE_CLEANUP_MAX_PER_RUN") {
		t.Fatalf("error does not contain expected substring; got: %v", err)
	}
}
