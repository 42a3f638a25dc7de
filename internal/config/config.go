// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for pathwatchd.
package config

// Config is the top-level configuration structure for the daemon: the roots
// to mirror, where the index database lives, and the tuning knobs for the
// hasher and the watch demultiplexer's move-resolution window.
type Config struct {
	Roots   []string      `toml:"roots"`
	DBPath  string        `toml:"db_path"`
	Hasher  HasherConfig  `toml:"hasher"`
	Watch   WatchConfig   `toml:"watch"`
	Logging LoggingConfig `toml:"logging"`
}

// HasherConfig tunes the background fingerprinting worker.
type HasherConfig struct {
	BatchSize int `toml:"batch_size"`
}

// WatchConfig tunes the watch demultiplexer.
type WatchConfig struct {
	// MoveResolutionDelay is a Go duration string: how long the
	// demultiplexer waits after a moved-from event before concluding the
	// source was deleted rather than renamed into another watched area.
	MoveResolutionDelay string `toml:"move_resolution_delay"`
}

// LoggingConfig controls the daemon's structured logger.
type LoggingConfig struct {
	Level string `toml:"level"`
}
