package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the engine configuration.
type Config struct {
	Backend          string   `json:"backend" yaml:"backend"`                               // State backend: "bolt", "json" or "sqlite"
	DepFile          string   `json:"dep_file" yaml:"dep_file"`                             // State file path
	Checker          string   `json:"checker" yaml:"checker"`                               // File checker: "content" or "timestamp"
	Workers          int      `json:"workers" yaml:"workers"`                               // Concurrent tasks; 0 or 1 runs sequentially
	Continue         bool     `json:"continue" yaml:"continue"`                             // Keep going after a failure
	AutoDelayedRegex bool     `json:"auto_delayed_regex" yaml:"auto_delayed_regex"`         // Every delayed task may produce any unknown target
	OpenTimeout      Duration `json:"open_timeout" yaml:"open_timeout"`                     // How long to retry opening a locked state file
	TaskFile         string   `json:"task_file" yaml:"task_file"`                           // Default task definition file
	MetricsFile      string   `json:"metrics_file,omitempty" yaml:"metrics_file,omitempty"` // Prometheus textfile written after each session
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
