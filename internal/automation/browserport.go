// Package automation defines the browser-automation port the dispatcher's
// use-cases drive. No concrete site navigation is implemented here — per
// the system's non-goals, this package is the interface contract plus the
// sentinel errors and retry-classification mapping the router depends on.
package automation

import (
	"context"
	"errors"

	"taskforge/internal/apierr"
)

// ProfileSnapshot is the result of inspecting a target account.
type ProfileSnapshot struct {
	Username        string
	Category        string
	Followers       int
	AvgViews        float64
	EngagementScore float64
	SuccessScore    float64
}

// Port is the browser-automation contract a worker drives on behalf of the
// use-cases in internal/dispatch. Implementations hold the real browser
// session; none is provided here.
type Port interface {
	// EnsureSession establishes or validates a live session for account.
	EnsureSession(ctx context.Context, account string) error

	// OpenProfile navigates to username's profile page.
	OpenProfile(ctx context.Context, username string) error

	// Snapshot captures the current state of username's profile.
	Snapshot(ctx context.Context, username string) (ProfileSnapshot, error)

	// FetchFollowings lists up to max accounts that username follows.
	FetchFollowings(ctx context.Context, username string, max int) ([]string, error)

	// SendDM sends text to username, returning whether it was delivered.
	SendDM(ctx context.Context, username, text string) (bool, error)
}

// Sentinel errors a Port implementation emits.
var (
	// ErrBrowserAuth signals the platform session is no longer valid.
	ErrBrowserAuth = errors.New("automation: browser auth error")

	// ErrBrowserRateLimit signals a platform-imposed rate limit; triggers
	// the worker's rate-limiter cooldown.
	ErrBrowserRateLimit = errors.New("automation: browser rate limit error")

	// ErrBrowserConnection signals the browser driver connection is dead.
	ErrBrowserConnection = errors.New("automation: browser connection error")

	// ErrDMTransientUIBlock signals a soft platform block on the DM UI;
	// triggers the worker's rate-limiter cooldown.
	ErrDMTransientUIBlock = errors.New("automation: transient DM UI block")

	// ErrBrowserPort is the generic fallback for any other Port failure.
	ErrBrowserPort = errors.New("automation: browser port error")
)

// Classify maps a Port error to the apierr taxonomy and a router retry
// reason. Any error that is not ErrBrowserAuth, ErrBrowserRateLimit, or
// ErrDMTransientUIBlock — including ErrBrowserConnection and any error the
// Port returns that we don't recognize at all (a panic recovered into an
// error, a closed driver handle) — classifies as retryable with reason
// "driver_dead". Callers track attempts themselves; ErrBrowserAuth is
// retryable every time it is classified here, and the dispatcher makes it
// terminal from a task's second attempt on.
func Classify(err error) *apierr.Error {
	switch {
	case errors.Is(err, ErrBrowserAuth):
		return apierr.Wrap(apierr.KindAuthentication, "session_expired", err)
	case errors.Is(err, ErrBrowserRateLimit):
		return apierr.Wrap(apierr.KindRate, "rate_limited", err)
	case errors.Is(err, ErrDMTransientUIBlock):
		return apierr.Wrap(apierr.KindTransient, "transient_ui_block", err)
	case errors.Is(err, ErrBrowserConnection):
		return apierr.Wrap(apierr.KindTransient, "driver_dead", err)
	default:
		return apierr.Wrap(apierr.KindTransient, "driver_dead", err)
	}
}
