package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "dir", name)

			cfg := DefaultConfig()
			cfg.Backend = "bolt"
			cfg.Workers = 8
			cfg.Continue = true
			cfg.OpenTimeout = Duration(90 * time.Second)
			cfg.MetricsFile = "metrics.prom"

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load("", path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if *loaded != *cfg {
				t.Errorf("round trip = %+v, want %+v", *loaded, *cfg)
			}
		})
	}
}

func TestSaveWritesReadableJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Saved config is not valid JSON: %v", err)
	}
	if raw["open_timeout"] != "5s" {
		t.Errorf("open_timeout = %v, want \"5s\"", raw["open_timeout"])
	}
	if !strings.Contains(string(data), "\n  \"backend\"") {
		t.Errorf("expected indented JSON, got:\n%s", data)
	}
}
