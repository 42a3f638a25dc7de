package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file at path, starting from
// DefaultConfig so that any field the file omits keeps its built-in
// default, then layers environment-variable overrides on top and
// validates the result. A missing file is not an error: the defaults (plus
// env overrides) are returned as-is, matching a daemon that can run
// against bare environment configuration.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()
	fileMissing := false

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		logger.Debug("loading config file", "path", path)

		if _, decErr := toml.Decode(string(data), cfg); decErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, decErr)
		}
	case errors.Is(err, os.ErrNotExist):
		logger.Debug("config file not found, using defaults", "path", path)
		fileMissing = true
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	env := ReadEnvOverrides()
	env.Apply(cfg)

	if fileMissing {
		return cfg, nil
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
