package jobapi

import (
	"strings"
	"testing"
)

func TestNormalizeSpecDefaults(t *testing.T) {
	got, err := NormalizeSpec(JobSpec{Command: "  echo hi  "})
	if err != nil {
		t.Fatalf("NormalizeSpec returned error: %v", err)
	}
	if got.Command != "echo hi" {
		t.Fatalf("unexpected command: got %q", got.Command)
	}
	if got.Sandbox != SandboxContainer {
		t.Fatalf("unexpected sandbox: got %q want %q", got.Sandbox, SandboxContainer)
	}
	if got.Image != DefaultImage {
		t.Fatalf("unexpected image: got %q want %q", got.Image, DefaultImage)
	}
	if got.Network != NetworkPerJob {
		t.Fatalf("unexpected network: got %q want %q", got.Network, NetworkPerJob)
	}
	if got.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Fatalf("unexpected timeout: got %d want %d", got.TimeoutSeconds, DefaultTimeoutSeconds)
	}
}

func TestNormalizeSpecCapabilities(t *testing.T) {
	got, err := NormalizeSpec(JobSpec{Argv: []string{"id"}, CapAdd: []string{"cap_net_bind_service", "NET_BIND_SERVICE", "chown"}})
	if err != nil {
		t.Fatalf("NormalizeSpec returned error: %v", err)
	}
	if want := "NET_BIND_SERVICE,CHOWN"; strings.Join(got.CapAdd, ",") != want {
		t.Fatalf("unexpected capabilities: got %v want %s", got.CapAdd, want)
	}
}

func TestNormalizeSpecRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec JobSpec
		want string
	}{
		{name: "empty", spec: JobSpec{}, want: "required"},
		{name: "both", spec: JobSpec{Command: "ls", Argv: []string{"ls"}}, want: "mutually exclusive"},
		{name: "too long", spec: JobSpec{Command: strings.Repeat("x", MaxCommandLength+1)}, want: "exceeds"},
		{name: "unknown sandbox", spec: JobSpec{Command: "ls", Sandbox: "vm"}, want: "unknown sandbox"},
		{name: "bad image", spec: JobSpec{Command: "ls", Image: "UPPER/Case::tag"}, want: "invalid image"},
		{name: "host network", spec: JobSpec{Command: "ls", Network: "host"}, want: "invalid network"},
		{name: "cap all", spec: JobSpec{Command: "ls", CapAdd: []string{"ALL"}}, want: "invalid capability"},
		{name: "negative memory", spec: JobSpec{Command: "ls", Limits: Limits{MemoryMiB: -1}}, want: "memory_mib"},
		{name: "cpus", spec: JobSpec{Command: "ls", Limits: Limits{CPUs: 65}}, want: "cpus"},
		{name: "timeout", spec: JobSpec{Command: "ls", TimeoutSeconds: MaxTimeoutSeconds + 1}, want: "timeout_seconds"},
		{name: "process image", spec: JobSpec{Command: "ls", Sandbox: "process", Image: "alpine"}, want: "only supported"},
		{name: "empty argv0", spec: JobSpec{Argv: []string{" "}}, want: "argv[0]"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NormalizeSpec(tc.spec)
			if err == nil {
				t.Fatalf("expected error for %+v", tc.spec)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error: got %q want substring %q", err, tc.want)
			}
		})
	}
}

func TestJobStateClassification(t *testing.T) {
	t.Parallel()

	for _, s := range []JobState{StateSucceeded, StateFailed, StateTimedOut, StateCanceled} {
		if !s.Terminal() || s.Active() {
			t.Fatalf("expected %q to be terminal", s)
		}
	}
	for _, s := range []JobState{StatePending, StateClaimed, StateRunning} {
		if s.Terminal() || !s.Active() {
			t.Fatalf("expected %q to be active", s)
		}
	}
	if _, ok := ParseState("bogus"); ok {
		t.Fatal("expected bogus state to be rejected")
	}
}
