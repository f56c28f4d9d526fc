package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xcmflow.json")
	content := `{
		"server": {"address": ":9999"},
		"chains": {"definitions": "topology.yaml"},
		"monitor": {"max_retries": 5}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":9999" {
		t.Fatalf("address = %s, want :9999", cfg.Server.Address)
	}
	if cfg.Monitor.MaxRetries != 5 {
		t.Fatalf("max retries = %d, want 5", cfg.Monitor.MaxRetries)
	}
	if cfg.Monitor.PollInterval() != 5*time.Second {
		t.Fatalf("poll interval = %s, want 5s", cfg.Monitor.PollInterval())
	}
	if cfg.Monitor.LifecycleTimeout() != 5*time.Minute {
		t.Fatalf("lifecycle timeout = %s, want 5m", cfg.Monitor.LifecycleTimeout())
	}
	if cfg.Routing.ConfidenceThreshold != 0.5 {
		t.Fatalf("confidence threshold = %f, want 0.5", cfg.Routing.ConfidenceThreshold)
	}
	if cfg.Events.QueueCapacity != 1000 {
		t.Fatalf("queue capacity = %d, want 1000", cfg.Events.QueueCapacity)
	}
	if cfg.Notify.RatePerMinute != 10 {
		t.Fatalf("rate per minute = %d, want 10", cfg.Notify.RatePerMinute)
	}
	if cfg.Storage.Driver != "memory" || cfg.Cache.Driver != "memory" || cfg.Stream.Driver != "none" {
		t.Fatalf("drivers = %s/%s/%s, want memory/memory/none",
			cfg.Storage.Driver, cfg.Cache.Driver, cfg.Stream.Driver)
	}

	// Relative definition paths resolve against the config directory.
	want := filepath.Join(dir, "topology.yaml")
	if cfg.Chains.Definitions != want {
		t.Fatalf("definitions = %s, want %s", cfg.Chains.Definitions, want)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must error")
	}
}
