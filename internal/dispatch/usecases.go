package dispatch

import (
	"context"
	"errors"
	"time"

	"taskforge/internal/apierr"
	"taskforge/internal/automation"
	"taskforge/internal/compose"
	"taskforge/internal/ratelimit"
	"taskforge/internal/store"
)

// analyzeProfilePayload is the per-task payload for an analyze_profiles
// task, one per target username.
type analyzeProfilePayload struct {
	Username   string `json:"username"`
	FetchReels bool   `json:"fetch_reels"`
	MaxReels   int    `json:"max_reels"`
}

func analyzeProfile(ctx context.Context, task store.Task, deps Deps) (map[string]any, error) {
	var p analyzeProfilePayload
	if err := unmarshalPayload(task.Payload, &p); err != nil {
		return nil, err
	}
	if p.Username == "" {
		return nil, apierr.New(apierr.KindValidation, "missing_username", "analyze_profiles task payload is missing username")
	}

	if err := waitForSlot(ctx, deps.Limiter, p.Username); err != nil {
		return nil, err
	}

	if err := deps.Browser.EnsureSession(ctx, deps.Account); err != nil {
		return nil, classify(err, deps)
	}
	if err := deps.Browser.OpenProfile(ctx, p.Username); err != nil {
		return nil, classify(err, deps)
	}
	snap, err := deps.Browser.Snapshot(ctx, p.Username)
	if err != nil {
		return nil, classify(err, deps)
	}

	recordEvent(deps, p.Username)

	return map[string]any{
		"username":         snap.Username,
		"category":         snap.Category,
		"followers":        snap.Followers,
		"avg_views":        snap.AvgViews,
		"engagement_score": snap.EngagementScore,
		"success_score":    snap.SuccessScore,
	}, nil
}

// sendMessagePayload is the per-task payload for a send_messages task, one
// per recipient username.
type sendMessagePayload struct {
	Username   string `json:"username"`
	Text       string `json:"text"`
	TemplateID string `json:"template_id"`
	Category   string `json:"category"`
}

func sendMessage(ctx context.Context, task store.Task, deps Deps) (map[string]any, error) {
	var p sendMessagePayload
	if err := unmarshalPayload(task.Payload, &p); err != nil {
		return nil, err
	}
	if p.Username == "" {
		return nil, apierr.New(apierr.KindValidation, "missing_username", "send_messages task payload is missing username")
	}
	if p.Text == "" && p.TemplateID == "" {
		return nil, apierr.New(apierr.KindValidation, "missing_text", "send_messages task payload has neither text nor template_id")
	}

	if err := waitForSlot(ctx, deps.Limiter, p.Username); err != nil {
		return nil, err
	}

	text := p.Text
	if text == "" {
		composed, err := deps.Composer.ComposeMessage(ctx, compose.Context{Username: p.Username, Category: p.Category}, p.TemplateID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindFatal, "compose_failed", err)
		}
		text = composed
	}

	if err := deps.Browser.EnsureSession(ctx, deps.Account); err != nil {
		return nil, classify(err, deps)
	}
	delivered, err := deps.Browser.SendDM(ctx, p.Username, text)
	if err != nil {
		return nil, classify(err, deps)
	}

	recordEvent(deps, p.Username)

	return map[string]any{"username": p.Username, "delivered": delivered}, nil
}

// fetchFollowingsPayload is the single-task payload for a
// fetch_followings job (the job has no target fan-out; it has one task
// against the owner account).
type fetchFollowingsPayload struct {
	Owner         string `json:"owner"`
	MaxFollowings int    `json:"max_followings"`
}

func fetchFollowings(ctx context.Context, task store.Task, deps Deps) (map[string]any, error) {
	var p fetchFollowingsPayload
	if err := unmarshalPayload(task.Payload, &p); err != nil {
		return nil, err
	}
	if p.Owner == "" {
		return nil, apierr.New(apierr.KindValidation, "missing_owner", "fetch_followings task payload is missing owner")
	}
	maxFollowings := p.MaxFollowings
	if maxFollowings <= 0 {
		maxFollowings = 200
	}

	if err := deps.Browser.EnsureSession(ctx, deps.Account); err != nil {
		return nil, classify(err, deps)
	}
	followings, err := deps.Browser.FetchFollowings(ctx, p.Owner, maxFollowings)
	if err != nil {
		return nil, classify(err, deps)
	}

	return map[string]any{"owner": p.Owner, "followings": followings, "count": len(followings)}, nil
}

// loginCheckPayload is the per-task payload for a login_check task; it
// carries no target fan-out beyond the account itself.
type loginCheckPayload struct {
	Account string `json:"account"`
}

func loginCheck(ctx context.Context, task store.Task, deps Deps) (map[string]any, error) {
	var p loginCheckPayload
	if err := unmarshalPayload(task.Payload, &p); err != nil {
		return nil, err
	}
	account := p.Account
	if account == "" {
		account = deps.Account
	}

	if err := deps.Browser.EnsureSession(ctx, account); err != nil {
		return nil, classify(err, deps)
	}

	return map[string]any{"account": account, "session_ok": true}, nil
}

// waitForSlot blocks on the worker's rate limiter before any externally
// visible action. A nil limiter (e.g. in unit tests exercising pure
// payload validation) skips the gate.
func waitForSlot(ctx context.Context, limiter *ratelimit.Limiter, target string) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.WaitForSlot(ctx, target, time.Now); err != nil {
		return apierr.Wrap(apierr.KindRate, "rate_limited", err)
	}
	return nil
}

// recordEvent charges one externally visible action against every window
// the worker's limiter tracks.
func recordEvent(deps Deps, target string) {
	if deps.Limiter == nil {
		return
	}
	deps.Limiter.RecordEvent(target, time.Now())
}

// classify maps a browser-port error to the apierr taxonomy, engaging the
// worker's cooldown first when the platform signalled a soft block or rate
// limit, since a soft block means further actions from this account
// must pause.
func classify(err error, deps Deps) error {
	if deps.Limiter != nil &&
		(errors.Is(err, automation.ErrDMTransientUIBlock) || errors.Is(err, automation.ErrBrowserRateLimit)) {
		deps.Limiter.TriggerCooldown(time.Now())
	}
	return automation.Classify(err)
}
