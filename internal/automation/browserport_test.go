package automation

import (
	"errors"
	"testing"

	"taskforge/internal/apierr"
)

func TestClassify_KnownReasons(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantKind   apierr.Kind
		wantReason string
	}{
		{"auth", ErrBrowserAuth, apierr.KindAuthentication, "session_expired"},
		{"rate", ErrBrowserRateLimit, apierr.KindRate, "rate_limited"},
		{"ui_block", ErrDMTransientUIBlock, apierr.KindTransient, "transient_ui_block"},
		{"connection", ErrBrowserConnection, apierr.KindTransient, "driver_dead"},
		{"generic", ErrBrowserPort, apierr.KindTransient, "driver_dead"},
		{"unrecognized", errors.New("boom"), apierr.KindTransient, "driver_dead"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got.Kind != tc.wantKind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tc.wantKind)
			}
			if got.Reason != tc.wantReason {
				t.Fatalf("Reason = %v, want %v", got.Reason, tc.wantReason)
			}
		})
	}
}

func TestClassify_RetryableViaApierr(t *testing.T) {
	got := Classify(ErrBrowserConnection)
	if !apierr.Retryable(got) {
		t.Fatalf("expected driver_dead classification to be retryable")
	}
}
