package config

import (
	"fmt"
	"time"

	"github.com/aristath/taskgraph/internal/persistence"
)

// Validate checks that every value names something that exists.
func (c *Config) Validate() error {
	if _, err := c.Kind(); err != nil {
		return err
	}
	if _, err := persistence.NewChecker(c.Checker); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.OpenTimeout < 0 {
		return fmt.Errorf("open_timeout must not be negative, got %s", c.OpenTimeout)
	}
	if c.DepFile == "" {
		return fmt.Errorf("dep_file must not be empty")
	}
	return nil
}

// Kind maps Backend to the persistence backend kind.
func (c *Config) Kind() (persistence.Kind, error) {
	return persistence.ParseKind(c.Backend)
}

// OpenOptions returns the options for opening the state file.
func (c *Config) OpenOptions() persistence.OpenOptions {
	return persistence.OpenOptions{Timeout: time.Duration(c.OpenTimeout)}
}
