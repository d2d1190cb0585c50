package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// RuntimeDir is where the default unix socket lives.
func RuntimeDir() string {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(runtimeDir, appName)
}

func SocketPath() string {
	return filepath.Join(RuntimeDir(), "jobrunner.sock")
}
