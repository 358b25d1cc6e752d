// Package config provides configuration loading and validation for the
// API server and worker components.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AccountConfig describes one platform account a worker binds to; exactly
// one worker per account is spawned from this list at startup. Password
// may be plaintext or the ciphertext envelope internal/secretbox
// understands.
type AccountConfig struct {
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Kinds    []string `json:"kinds"`
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Port is the TCP port the HTTP front-end listens on.
	Port string

	// DBDSN is the SQLite data source name for the job/task store.
	DBDSN string

	// LogLevel sets the level of the root zerolog logger cmd/apiserver
	// builds: debug, info, warn, error.
	LogLevel string

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	// RequireHTTPS adds a Strict-Transport-Security header to every
	// front-end response when true; plaintext requests are still served.
	RequireHTTPS bool

	// MaxBodyBytes caps request body size accepted by the HTTP front-end.
	MaxBodyBytes int64

	// AccessTokenTTL bounds the lifetime of bearer tokens issued by
	// POST /api/auth/login.
	AccessTokenTTL time.Duration

	// EncryptionMasterKey seeds PBKDF2 key derivation for credential
	// encryption. Must be at least 32 characters.
	EncryptionMasterKey string

	// RedisURL optionally enables a distributed per-client API rate
	// limiter. Empty disables it in favor of an in-process limiter.
	RedisURL string

	// Lease/reaper tuning.
	LeaseTTLDefault       time.Duration
	LeaseCleanupInterval  time.Duration
	LeaseCleanupMaxPerRun int

	// Router/worker concurrency.
	MaxInflightPerAccount int
	WorkerChannelCapacity int

	// LoginCheckMaxInflight raises the per-account in-flight cap for
	// login_check above the browser-driving default: login_check holds no
	// browser session lock, so it may run at higher concurrency than
	// analyze_profiles/send_messages/fetch_followings.
	LoginCheckMaxInflight int

	// LoginCheckLeaseTTL overrides the default lease TTL for login_check,
	// which is a quick probe and should not hold a lease as long as a
	// browser-driving task.
	LoginCheckLeaseTTL time.Duration

	// Worker rate limiter tuning: hourly and daily sliding windows, plus
	// per-target window and cooldown bounds.
	RateHourlyWindow     time.Duration
	RateHourlyMaxEvents  int
	RateDailyWindow      time.Duration
	RateDailyMaxEvents   int
	PerTargetWindow      time.Duration
	PerTargetMaxEvents   int
	RateCooldownMinSecs  int
	RateCooldownMaxSecs  int
	RateMaxWaitSeconds   int

	// Accounts is the fixed list of platform accounts apiserver binds one
	// worker to at startup, loaded from TASKFORGE_ACCOUNTS as a JSON array.
	Accounts []AccountConfig
}

// Load reads configuration from environment variables, applies defaults and
// validates required values.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     envOr("TASKFORGE_PORT", "8080"),
		DBDSN:    strings.TrimSpace(os.Getenv("TASKFORGE_DB_DSN")),
		LogLevel: strings.ToLower(envOr("TASKFORGE_LOG_LEVEL", "info")),
		RedisURL: strings.TrimSpace(os.Getenv("TASKFORGE_REDIS_URL")),
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("TASKFORGE_DB_DSN is required")
	}

	var err error
	if cfg.ShutdownTimeout, err = envDuration("TASKFORGE_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL, err = envDuration("TASKFORGE_ACCESS_TOKEN_TTL", 60*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LeaseTTLDefault, err = envDuration("TASKFORGE_LEASE_TTL_DEFAULT", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.LeaseCleanupInterval, err = envDuration("TASKFORGE_LEASE_CLEANUP_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateHourlyWindow, err = envDuration("TASKFORGE_RATE_HOURLY_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateDailyWindow, err = envDuration("TASKFORGE_RATE_DAILY_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PerTargetWindow, err = envDuration("TASKFORGE_PER_TARGET_WINDOW", time.Hour); err != nil {
		return nil, err
	}

	if cfg.LeaseCleanupMaxPerRun, err = envInt("TASKFORGE_LEASE_CLEANUP_MAX_PER_RUN", 100); err != nil {
		return nil, err
	}
	if cfg.MaxInflightPerAccount, err = envInt("TASKFORGE_MAX_INFLIGHT_PER_ACCOUNT", 1); err != nil {
		return nil, err
	}
	if cfg.WorkerChannelCapacity, err = envInt("TASKFORGE_WORKER_CHANNEL_CAPACITY", 1); err != nil {
		return nil, err
	}
	if cfg.LoginCheckMaxInflight, err = envInt("TASKFORGE_LOGIN_CHECK_MAX_INFLIGHT", 4); err != nil {
		return nil, err
	}
	if cfg.LoginCheckLeaseTTL, err = envDuration("TASKFORGE_LOGIN_CHECK_LEASE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateHourlyMaxEvents, err = envInt("TASKFORGE_RATE_HOURLY_MAX_EVENTS", 30); err != nil {
		return nil, err
	}
	if cfg.RateDailyMaxEvents, err = envInt("TASKFORGE_RATE_DAILY_MAX_EVENTS", 200); err != nil {
		return nil, err
	}
	if cfg.PerTargetMaxEvents, err = envInt("TASKFORGE_PER_TARGET_MAX_EVENTS", 1); err != nil {
		return nil, err
	}
	if cfg.RateCooldownMinSecs, err = envInt("TASKFORGE_RATE_COOLDOWN_MIN_S", 600); err != nil {
		return nil, err
	}
	if cfg.RateCooldownMaxSecs, err = envInt("TASKFORGE_RATE_COOLDOWN_MAX_S", 2400); err != nil {
		return nil, err
	}
	if cfg.RateMaxWaitSeconds, err = envInt("TASKFORGE_RATE_MAX_WAIT_S", 120); err != nil {
		return nil, err
	}

	maxBody, err := envInt64("TASKFORGE_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = maxBody

	cfg.RequireHTTPS = envBool("TASKFORGE_REQUIRE_HTTPS", false)

	cfg.EncryptionMasterKey = strings.TrimSpace(os.Getenv("TASKFORGE_ENCRYPTION_MASTER_KEY"))
	if cfg.EncryptionMasterKey != "" && len(cfg.EncryptionMasterKey) < 32 {
		return nil, fmt.Errorf("TASKFORGE_ENCRYPTION_MASTER_KEY must be at least 32 characters")
	}

	if cfg.RateCooldownMinSecs > cfg.RateCooldownMaxSecs {
		return nil, fmt.Errorf("TASKFORGE_RATE_COOLDOWN_MIN_S must be <= TASKFORGE_RATE_COOLDOWN_MAX_S")
	}

	if raw := strings.TrimSpace(os.Getenv("TASKFORGE_ACCOUNTS")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Accounts); err != nil {
			return nil, fmt.Errorf("invalid TASKFORGE_ACCOUNTS: %w", err)
		}
		for _, a := range cfg.Accounts {
			if a.Name == "" || len(a.Kinds) == 0 {
				return nil, fmt.Errorf("TASKFORGE_ACCOUNTS entries require name and kinds")
			}
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
