package paths

import (
	"path/filepath"
	"testing"
)

func TestDatabasePathPrefersXDGDataHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	got, err := DatabasePath()
	if err != nil {
		t.Fatalf("DatabasePath returned error: %v", err)
	}
	if want := filepath.Join(tmp, "jobrunner", "jobrunner.db"); got != want {
		t.Fatalf("unexpected database path: got %q want %q", got, want)
	}
}

func TestStateDirsFallBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_STATE_HOME", "")

	got, err := TSNetStateDir()
	if err != nil {
		t.Fatalf("TSNetStateDir returned error: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "jobrunner", "tsnet"); got != want {
		t.Fatalf("unexpected tsnet state dir: got %q want %q", got, want)
	}
}

func TestSocketPathUsesRuntimeDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", tmp)

	if got, want := SocketPath(), filepath.Join(tmp, "jobrunner", "jobrunner.sock"); got != want {
		t.Fatalf("unexpected socket path: got %q want %q", got, want)
	}
}

func TestTLSDirUnderConfigHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	got, err := TLSDir()
	if err != nil {
		t.Fatalf("TLSDir returned error: %v", err)
	}
	if want := filepath.Join(tmp, "jobrunner", "tls"); got != want {
		t.Fatalf("unexpected tls dir: got %q want %q", got, want)
	}
}
