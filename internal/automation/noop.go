package automation

import "context"

// NoopPort is a Port that succeeds trivially against no real browser —
// the wiring default for cmd/apiserver until a real driver is plugged in,
// since driving an actual browser session is explicitly out of scope here.
// It lets the rest of the pipeline (store, router, dispatch, rate limiter)
// run end to end against deterministic responses.
type NoopPort struct{}

func (NoopPort) EnsureSession(context.Context, string) error { return nil }

func (NoopPort) OpenProfile(context.Context, string) error { return nil }

func (NoopPort) Snapshot(_ context.Context, username string) (ProfileSnapshot, error) {
	return ProfileSnapshot{Username: username}, nil
}

func (NoopPort) FetchFollowings(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (NoopPort) SendDM(context.Context, string, string) (bool, error) {
	return true, nil
}

var _ Port = NoopPort{}
