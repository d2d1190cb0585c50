package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "auth", err: Auth("bad key"), want: KindAuth},
		{name: "quota", err: Quota(LimitDaily), want: KindQuotaExceeded},
		{name: "wrapped conflict", err: fmt.Errorf("claim: %w", Conflict("lease moved")), want: KindConflict},
		{name: "sandbox", err: Sandbox(SandboxSetupFailed, errors.New("no image")), want: KindSandbox},
		{name: "plain", err: errors.New("boom"), want: KindInternal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestQuotaCarriesLimit(t *testing.T) {
	err := fmt.Errorf("submit: %w", Quota(LimitConcurrent))
	if got, want := LimitOf(err), LimitConcurrent; got != want {
		t.Fatalf("unexpected limit: got %q want %q", got, want)
	}
	if !Is(err, KindQuotaExceeded) {
		t.Fatalf("expected quota kind for %v", err)
	}
}

func TestPublicHidesInternalDetail(t *testing.T) {
	err := Internal(errors.New("database is locked at /var/lib/jobrunner.db"))
	if got, want := Public(err), "internal error"; got != want {
		t.Fatalf("unexpected public message: got %q want %q", got, want)
	}
	if got, want := Public(errors.New("raw")), "internal error"; got != want {
		t.Fatalf("unexpected public message for unclassified error: got %q want %q", got, want)
	}
	if got, want := Public(Validation("command is required")), "command is required"; got != want {
		t.Fatalf("unexpected public validation message: got %q want %q", got, want)
	}
}

func TestSandboxReason(t *testing.T) {
	err := fmt.Errorf("execute: %w", Sandbox(SandboxBackendUnavailable, errors.New("dial unix /var/run/docker.sock")))
	if got, want := ReasonOf(err), SandboxBackendUnavailable; got != want {
		t.Fatalf("unexpected reason: got %q want %q", got, want)
	}
}
