package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "PATHWATCHD_CONFIG"
	EnvDBPath   = "PATHWATCHD_DB_PATH"
	EnvLogLevel = "PATHWATCHD_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables. These are
// resolved by ReadEnvOverrides and layered on top of the file config by
// Load; they do not mutate the Config themselves.
type EnvOverrides struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDBPath),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}

// Apply layers non-empty env overrides onto cfg, env winning over the file.
func (o EnvOverrides) Apply(cfg *Config) {
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}

	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
}
