package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:     "sqlite",
		DepFile:     ".taskgraph.db",
		Checker:     "content",
		Workers:     1,
		OpenTimeout: Duration(5 * time.Second),
		TaskFile:    "taskgraph.yaml",
	}
}
