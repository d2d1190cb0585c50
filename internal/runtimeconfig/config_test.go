package runtimeconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/quota"
	"github.com/buildkite/jobrunner/internal/sandbox/container"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	configPath := filepath.Join(tmp, "jobrunner", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("jobrunner", "config.yaml")) {
		t.Fatalf("unexpected config path %q", path)
	}
	if got := cfg.Server.LeaseDuration(); got != 30*time.Second {
		t.Fatalf("unexpected lease duration: got %s", got)
	}
	if got := cfg.Server.MaxAttempts; got != DefaultMaxAttempts {
		t.Fatalf("unexpected max attempts: got %d", got)
	}
	if policy, _ := cfg.Server.Policy(); policy != quota.PolicyAdmission {
		t.Fatalf("unexpected policy: got %q", policy)
	}
	if !cfg.Worker.HasSandbox(jobapi.SandboxContainer) || cfg.Worker.HasSandbox(jobapi.SandboxProcess) {
		t.Fatalf("unexpected default sandboxes: %v", cfg.Worker.Sandboxes)
	}
	if cfg.Backends.Process.CPUSeconds != 300 || cfg.Backends.Process.OpenFiles != 256 {
		t.Fatalf("unexpected process defaults: %+v", cfg.Backends.Process)
	}
	bc, err := cfg.Backends.Container.BackendConfig()
	if err != nil {
		t.Fatalf("BackendConfig returned error: %v", err)
	}
	if !bc.ReadOnlyRootFS || bc.Pull != container.PullMissing {
		t.Fatalf("unexpected container defaults: %+v", bc)
	}
}

func TestLoadFullConfig(t *testing.T) {
	writeConfig(t, `server:
  listen: http://127.0.0.1:7777
  worker_token: s3cret
  lease_seconds: 45
  max_attempts: 5
  quota_timezone: Australia/Melbourne
  concurrency_policy: execution
  allow_best_effort: true
consumers:
  - id: team-a
    key_sha256: `+consumers.HashKey("a")+`
    max_concurrent: 2
    max_per_day: 100
  - id: team-b
    key_sha256: `+consumers.HashKey("b")+`
    max_concurrent: 1
    max_per_day: 1
    enabled: false
worker:
  server: http://127.0.0.1:7777
  concurrency: 4
  sandboxes: [container, Process]
backends:
  container:
    network_driver: bridge
    internal_networks: true
    read_only_rootfs: false
    pull: never
    memory_mib: 512
  process:
    cpu_seconds: 60
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Server.LeaseDuration(); got != 45*time.Second {
		t.Fatalf("unexpected lease: %s", got)
	}
	loc, err := cfg.Server.Location()
	if err != nil || loc.String() != "Australia/Melbourne" {
		t.Fatalf("unexpected location: %v %v", loc, err)
	}
	if policy, _ := cfg.Server.Policy(); policy != quota.PolicyExecution {
		t.Fatalf("unexpected policy: %q", policy)
	}

	entries, err := cfg.ConsumerEntries()
	if err != nil {
		t.Fatalf("ConsumerEntries returned error: %v", err)
	}
	if len(entries) != 2 || !entries[0].Enabled || entries[1].Enabled {
		t.Fatalf("unexpected consumer entries: %+v", entries)
	}

	if !cfg.Worker.HasSandbox(jobapi.SandboxProcess) || cfg.Worker.Concurrency != 4 {
		t.Fatalf("unexpected worker config: %+v", cfg.Worker)
	}

	bc, err := cfg.Backends.Container.BackendConfig()
	if err != nil {
		t.Fatalf("BackendConfig returned error: %v", err)
	}
	if bc.ReadOnlyRootFS || !bc.InternalNetworks || bc.Pull != container.PullNever || bc.MemoryMiB != 512 {
		t.Fatalf("unexpected container config: %+v", bc)
	}
	pc := cfg.Backends.Process.BackendConfig()
	if pc.Limits.CPUSeconds != 60 || pc.Limits.MemoryMiB != 1024 {
		t.Fatalf("unexpected process limits: %+v", pc.Limits)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "timezone", content: "server:\n  quota_timezone: Mars/Olympus\n", want: "quota_timezone"},
		{name: "policy", content: "server:\n  concurrency_policy: greedy\n", want: "concurrency_policy"},
		{name: "half tls", content: "server:\n  tls_cert: /tmp/cert.pem\n", want: "tls_key"},
		{name: "sandbox", content: "worker:\n  sandboxes: [vm]\n", want: "unknown sandbox"},
		{name: "pull", content: "backends:\n  container:\n    pull: sometimes\n", want: "pull"},
		{name: "consumer key", content: "consumers:\n  - id: a\n    key_sha256: nothex\n", want: "key_sha256"},
		{name: "consumer id", content: "consumers:\n  - key_sha256: abc\n", want: "id is required"},
		{name: "yaml", content: "server: [\n", want: "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.content)
			_, _, err := Load()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("unexpected error: got %q want substring %q", err, tt.want)
			}
		})
	}
}

func TestResolveDatabasePathFallsBackToDataDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	got, err := ServerConfig{}.ResolveDatabasePath()
	if err != nil {
		t.Fatalf("ResolveDatabasePath returned error: %v", err)
	}
	if want := filepath.Join(tmp, "jobrunner", "jobrunner.db"); got != want {
		t.Fatalf("unexpected database path: got %q want %q", got, want)
	}

	got, _ = ServerConfig{DatabasePath: "/srv/jobs.db"}.ResolveDatabasePath()
	if got != "/srv/jobs.db" {
		t.Fatalf("explicit path not kept: %q", got)
	}
}
