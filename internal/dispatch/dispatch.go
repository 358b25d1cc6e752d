// Package dispatch maps a task's kind to a payload parser
// and a use-case, runs the use-case behind the worker's rate limiter, and
// wraps every outcome — including panics recovered from the use-case — in
// a ResultEnvelope. It never lets an exception escape back to the worker
// loop.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"taskforge/internal/apierr"
	"taskforge/internal/automation"
	"taskforge/internal/compose"
	"taskforge/internal/ratelimit"
	"taskforge/internal/store"
)

// UseCase executes one task kind against the browser-automation port and
// text composer, behind the caller-supplied rate limiter. It returns the
// opaque result map on success, or an *apierr.Error (ideally produced via
// automation.Classify) on failure.
type UseCase func(ctx context.Context, task store.Task, deps Deps) (map[string]any, error)

// Deps bundles the collaborators a use-case needs, plus the platform
// account the owning worker drives — sessions are established against the
// worker's account, not the task's target. One Deps is built per worker at
// construction time and stays private to that worker.
type Deps struct {
	Account  string
	Browser  automation.Port
	Composer compose.Port
	Limiter  *ratelimit.Limiter
}

// Dispatcher holds the kind -> use-case table.
type Dispatcher struct {
	log      zerolog.Logger
	useCases map[string]UseCase
}

// New builds a Dispatcher with the default kind -> use-case bindings.
func New(log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:      log.With().Str("component", "dispatch").Logger(),
		useCases: make(map[string]UseCase),
	}
	d.Register(store.KindAnalyzeProfiles, analyzeProfile)
	d.Register(store.KindSendMessages, sendMessage)
	d.Register(store.KindFetchFollowings, fetchFollowings)
	d.Register(store.KindLoginCheck, loginCheck)
	return d
}

// Register binds kind to a use-case, overwriting any existing binding. Used
// by tests to inject fakes.
func (d *Dispatcher) Register(kind string, uc UseCase) {
	d.useCases[kind] = uc
}

// Dispatch runs the use-case bound to task.Kind and always returns a
// ResultEnvelope — it never panics or returns an error itself.
func (d *Dispatcher) Dispatch(ctx context.Context, task store.Task, deps Deps) (env ResultEnvelope) {
	env = ResultEnvelope{
		TaskID:           task.ID,
		JobID:            task.JobID,
		CorrelationID:    task.CorrelationID,
		AttemptsExecuted: task.Attempts,
		MaxAttempts:      task.MaxAttempts,
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("task_id", task.ID).Msg("use-case panicked")
			applyClassification(&env, apierr.New(apierr.KindFatal, "panic", fmt.Sprintf("recovered panic: %v", r)))
		}
	}()

	uc, ok := d.useCases[task.Kind]
	if !ok {
		applyClassification(&env, apierr.New(apierr.KindValidation, "unknown_kind", fmt.Sprintf("no use-case registered for kind %q", task.Kind)))
		return env
	}

	result, err := uc(ctx, task, deps)
	if err != nil {
		applyClassification(&env, err)
		return env
	}

	env.OK = true
	env.Result = result
	return env
}

// applyClassification fills env's failure fields from err, using the
// apierr taxonomy (browser-port errors arrive already classified via
// automation.Classify; anything else falls back to apierr's own default).
func applyClassification(env *ResultEnvelope, err error) {
	env.OK = false
	env.Error = err.Error()
	env.Retryable = apierr.Retryable(err)
	env.RetryReason = apierr.ReasonOf(err)
	// An authentication failure is retried once: it is retryable only on a
	// task's first attempt and terminal from the second attempt on.
	if env.Retryable && apierr.KindOf(err) == apierr.KindAuthentication && env.AttemptsExecuted > 1 {
		env.Retryable = false
	}
}

func unmarshalPayload(payload map[string]any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, "bad_payload", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return apierr.Wrap(apierr.KindValidation, "bad_payload", err)
	}
	return nil
}
