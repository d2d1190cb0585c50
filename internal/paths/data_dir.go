package paths

import "path/filepath"

// DataBaseDir resolves the default base directory for durable job data.
func DataBaseDir() (string, error) {
	return xdgBaseDir("XDG_DATA_HOME", ".local", "share")
}

// DatabasePath is the default location of the job database.
func DatabasePath() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "jobrunner.db"), nil
}
