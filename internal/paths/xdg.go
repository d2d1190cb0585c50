package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "jobrunner"

// xdgBaseDir resolves an application directory with the preference order:
// 1. $<envVar>/jobrunner
// 2. ~/<homeRel>/jobrunner
// 3. $XDG_RUNTIME_DIR/jobrunner
func xdgBaseDir(envVar string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envVar)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("unable to resolve directory from %s/runtime or home", envVar)
}
