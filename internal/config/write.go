package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config
// directories.
const configDirPermissions = 0o755

// configTemplate is the default config file content written on first run.
// Every option except roots (which has no default) appears commented out
// with its built-in default so a user can discover the full surface
// without reading documentation.
const configTemplate = `# pathwatchd configuration

# Absolute directory paths to mirror. At least one is required.
roots = []

# Path to the index database.
# db_path = %q

[hasher]
# Number of un-fingerprinted rows pulled per batch.
# batch_size = 10

[watch]
# How long to wait after a moved-from event before concluding the source
# was deleted rather than renamed into another watched root.
# move_resolution_delay = "2s"

[logging]
# debug, info, warn, error
# level = "info"
`

// WriteDefault writes a default config file to path if one does not
// already exist. The write is atomic (temp file + rename) and parent
// directories are created as needed.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	content := fmt.Sprintf(configTemplate, DefaultDBPath())

	return atomicWriteFile(path, []byte(content))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it into place. This avoids a partially-written config
// file surviving a crash mid-write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
