// Package reaper implements a standalone periodic loop that reclaims
// leases abandoned by dead workers. It runs independently of the router so
// it keeps working even if the router is momentarily wedged: the safety
// net against permanent work loss after a worker crash or host reboot.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/store"
)

// Config configures the reaper's cadence and batch size.
type Config struct {
	// Interval is how often reclaim_expired_leases runs (cleanup_interval_s,
	// default 60s).
	Interval time.Duration
	// MaxPerRun bounds how many leases are reclaimed per tick
	// (lease_cleanup_max_per_run, default 100).
	MaxPerRun int
}

// Reaper periodically reclaims expired leases.
type Reaper struct {
	cfg Config
	st  *store.Store
	log zerolog.Logger
}

// New builds a Reaper with spec defaults applied for zero fields.
func New(cfg Config, st *store.Store, log zerolog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxPerRun <= 0 {
		cfg.MaxPerRun = 100
	}
	return &Reaper{cfg: cfg, st: st, log: log.With().Str("component", "reaper").Logger()}
}

// Run ticks every cfg.Interval until ctx is cancelled, logging how many
// leases were reclaimed on each pass that reclaims any.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.st.ReclaimExpiredLeases(ctx, r.cfg.MaxPerRun)
	if err != nil {
		r.log.Error().Err(err).Msg("reclaim_expired_leases failed")
		return
	}
	if n > 0 {
		r.log.Info().Int("reclaimed", n).Msg("reclaimed expired leases")
	}
}
