package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/automation"
	"taskforge/internal/compose"
	"taskforge/internal/config"
	"taskforge/internal/database"
	"taskforge/internal/dispatch"
	"taskforge/internal/httpapi"
	"taskforge/internal/ratelimit"
	"taskforge/internal/reaper"
	"taskforge/internal/router"
	"taskforge/internal/secretbox"
	"taskforge/internal/store"
	"taskforge/internal/worker"
)

// main wires the store, reaper, router, dispatcher, one worker per
// configured account, and the HTTP front-end into a single process:
// workers register with the router over in-process channels, never over
// the network.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		bootstrapLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrapLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg.LogLevel)

	db, err := database.InitDB(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() {
		if err := database.CloseDB(db); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}()

	st := store.New(db, log)

	rt := router.New(router.Config{
		MaxInflightPerAccount: cfg.MaxInflightPerAccount,
		LeaseTTL:              cfg.LeaseTTLDefault,
		// login_check holds no browser session lock, so it may run above
		// the browser-driving default; every other kind keeps the cap.
		KindInflightOverride: map[string]int{
			store.KindLoginCheck: cfg.LoginCheckMaxInflight,
		},
		// Quick probes get a shorter lease TTL than browser-driving kinds.
		LeaseTTLOverride: map[string]time.Duration{
			store.KindLoginCheck: cfg.LoginCheckLeaseTTL,
		},
	}, st, log, 16, 16)

	rp := reaper.New(reaper.Config{
		Interval:  cfg.LeaseCleanupInterval,
		MaxPerRun: cfg.LeaseCleanupMaxPerRun,
	}, st, log)

	srv, err := httpapi.New(cfg, db, st, rt, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct http server")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers, err := spawnWorkers(cfg, rt, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to spawn workers")
	}

	errCh := make(chan error, len(workers)+2)
	go func() { errCh <- rt.Run(sigCtx) }()
	go func() { errCh <- rp.Run(sigCtx) }()
	for _, w := range workers {
		w := w
		go func() { errCh <- w.Run(sigCtx) }()
	}
	go func() { errCh <- srv.Start(sigCtx) }()

	log.Info().Int("workers", len(workers)).Str("port", cfg.Port).Msg("apiserver started")

	select {
	case <-sigCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("component exited with error")
		}
		stop()
	}

	<-time.After(200 * time.Millisecond)
	log.Info().Msg("apiserver exited")
}

// spawnWorkers builds and registers one Worker per configured account
// so exactly one worker exists per platform account.
func spawnWorkers(cfg *config.Config, rt *router.Router, log zerolog.Logger) ([]*worker.Worker, error) {
	var box *secretbox.Box
	if cfg.EncryptionMasterKey != "" {
		box = secretbox.New(cfg.EncryptionMasterKey)
	}

	dispatcher := dispatch.New(log)

	workers := make([]*worker.Worker, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if box != nil {
			if _, err := box.Resolve(a.Password); err != nil {
				return nil, err
			}
		}

		wc, err := worker.NewConfig(a.Name, a.Kinds, cfg.WorkerChannelCapacity, ratelimit.Config{
			HourlyWindow:    cfg.RateHourlyWindow,
			HourlyMax:       cfg.RateHourlyMaxEvents,
			DailyWindow:     cfg.RateDailyWindow,
			DailyMax:        cfg.RateDailyMaxEvents,
			PerTargetWindow: cfg.PerTargetWindow,
			PerTargetMax:    cfg.PerTargetMaxEvents,
			CooldownMin:     time.Duration(cfg.RateCooldownMinSecs) * time.Second,
			CooldownMax:     time.Duration(cfg.RateCooldownMaxSecs) * time.Second,
			MaxWait:         time.Duration(cfg.RateMaxWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}

		w := worker.New(
			wc,
			dispatcher,
			automation.NoopPort{},
			dispatch.Deps{Composer: compose.StaticPort{}},
			rt.ReadyChan(),
			rt.ResultChan(),
			log,
		)

		if err := rt.RegisterWorker(&router.WorkerHandle{
			WorkerID:       w.ID(),
			Account:        a.Name,
			SupportedKinds: a.Kinds,
			Inbox:          w.Inbox(),
		}); err != nil {
			return nil, err
		}

		workers = append(workers, w)
	}
	return workers, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
