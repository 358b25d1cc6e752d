package worker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"taskforge/internal/ratelimit"
)

// Config holds the settings a single worker needs to bind to one platform
// account.
type Config struct {
	// WorkerID uniquely identifies this worker instance; auto-generated
	// from the hostname plus random bytes when empty.
	WorkerID string

	// Account is the platform account this worker drives a browser session
	// for. Exactly one worker per account is expected (enforced at router
	// startup).
	Account string

	// SupportedKinds is the set of task kinds this worker may claim.
	SupportedKinds []string

	// ChannelCapacity bounds the worker's inbound envelope channel
	// (worker_channel_capacity, default 1).
	ChannelCapacity int

	// RateLimit configures this worker's private rate limiter instance.
	RateLimit ratelimit.Config
}

// NewConfig builds a Config for account with sensible defaults, generating
// a worker id if one isn't supplied.
func NewConfig(account string, supportedKinds []string, channelCapacity int, rl ratelimit.Config) (*Config, error) {
	if account == "" {
		return nil, fmt.Errorf("worker: account is required")
	}
	if channelCapacity <= 0 {
		channelCapacity = 1
	}

	id, err := autoGenerateWorkerID(account)
	if err != nil {
		return nil, fmt.Errorf("failed to auto-generate worker id: %w", err)
	}

	return &Config{
		WorkerID:        id,
		Account:         account,
		SupportedKinds:  supportedKinds,
		ChannelCapacity: channelCapacity,
		RateLimit:       rl,
	}, nil
}

// autoGenerateWorkerID builds an id using the account name, hostname and
// random bytes.
func autoGenerateWorkerID(account string) (string, error) {
	hn, _ := os.Hostname()
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("worker-%s-%s-%s", sanitizeHostname(hn), account, hex.EncodeToString(b)), nil
}

// sanitizeHostname keeps hostname safe for use in ids (very small sanitization).
func sanitizeHostname(h string) string {
	if h == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(h))
	for _, r := range h {
		if r == ' ' || r == '/' || r == '\\' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
