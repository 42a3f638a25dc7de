package config

// Default values for configuration options, the "layer 0" of the
// file-then-env override chain. Chosen to be safe, reasonable starting
// points that work without any config file at all.
const (
	defaultBatchSize           = 10
	defaultMoveResolutionDelay = "2s"
	defaultLogLevel            = "info"
)

// DefaultConfig returns a Config populated with built-in defaults and no
// roots. Callers layer a config file and environment overrides on top.
func DefaultConfig() *Config {
	return &Config{
		Roots:  nil,
		DBPath: DefaultDBPath(),
		Hasher: HasherConfig{
			BatchSize: defaultBatchSize,
		},
		Watch: WatchConfig{
			MoveResolutionDelay: defaultMoveResolutionDelay,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
	}
}
