// Command worker is a standalone harness for one Worker, useful for
// worker-level integration tests and local experimentation. It is not
// wired into production startup; cmd/apiserver launches its worker pool
// in-process instead.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/automation"
	"taskforge/internal/compose"
	"taskforge/internal/dispatch"
	"taskforge/internal/ratelimit"
	"taskforge/internal/worker"
)

func main() {
	account := flag.String("account", "", "platform account this worker binds to")
	kinds := flag.String("kinds", "analyze_profiles,send_messages,fetch_followings,login_check", "comma-separated task kinds this worker supports")
	channelCapacity := flag.Int("channel-capacity", 1, "worker inbox channel capacity")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if *account == "" {
		log.Fatal().Msg("-account is required")
	}

	wc, err := worker.NewConfig(*account, strings.Split(*kinds, ","), *channelCapacity, ratelimit.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build worker config")
	}

	ready := make(chan worker.ReadySignal, 1)
	result := make(chan dispatch.ResultEnvelope, 1)

	w := worker.New(
		wc,
		dispatch.New(log),
		automation.NoopPort{},
		dispatch.Deps{Composer: compose.StaticPort{}},
		ready,
		result,
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go drainReady(ctx, ready, log)
	go drainResult(ctx, result, log)

	log.Info().Str("worker_id", w.ID()).Str("account", *account).Msg("standalone worker starting")
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
	log.Info().Msg("standalone worker stopped")
}

// drainReady and drainResult stand in for the router's side of the
// channels this harness would otherwise leave unread, logging traffic
// instead of assigning or recording it.
func drainReady(ctx context.Context, ch <-chan worker.ReadySignal, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			log.Debug().Str("worker_id", sig.WorkerID).Msg("ready signal (no router attached)")
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func drainResult(ctx context.Context, ch <-chan dispatch.ResultEnvelope, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ch:
			log.Debug().Str("task_id", env.TaskID).Bool("ok", env.OK).Msg("result envelope (no router attached)")
		}
	}
}
