package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for jobrunner state.
func StateBaseDir() (string, error) {
	return xdgBaseDir("XDG_STATE_HOME", ".local", "state")
}

func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}

// ScratchDir holds per-job working directories for the process sandbox.
func ScratchDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "scratch"), nil
}

// ConfigBaseDir resolves $XDG_CONFIG_HOME/jobrunner or ~/.config/jobrunner.
func ConfigBaseDir() (string, error) {
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// TLSDir returns the default directory for server TLS material.
func TLSDir() (string, error) {
	base, err := ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tls"), nil
}
