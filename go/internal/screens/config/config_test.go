package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.InactivityTimeout != 20*time.Second {
		t.Errorf("inactivity timeout %v", cfg.Registry.InactivityTimeout)
	}
	if cfg.Sync.RealignCooldown != 3*time.Second {
		t.Errorf("realign cooldown %v", cfg.Sync.RealignCooldown)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screensync.yaml")
	yamlDoc := `
http:
  port: "9090"
registry:
  sweep_interval: 2s
  inactivity_timeout: 12s
sync:
  realign_cooldown: 1500ms
  drift_threshold_sec: 0.3
media:
  base_url: http://media.local
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REALIGN_COOLDOWN", "5s")
	t.Setenv("NATS_URL", "nats://bus:4222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != "9090" || cfg.Registry.SweepInterval != 2*time.Second || cfg.Registry.InactivityTimeout != 12*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Sync.DriftThresholdSec != 0.3 || cfg.Media.BaseURL != "http://media.local" {
		t.Errorf("file values not applied: %+v %+v", cfg.Sync, cfg.Media)
	}
	if cfg.Sync.RealignCooldown != 5*time.Second {
		t.Errorf("env should override file, got %v", cfg.Sync.RealignCooldown)
	}
	if cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("nats url %q", cfg.NATS.URL)
	}
	// untouched sections keep their defaults
	if cfg.WebSocket.PingInterval != 30*time.Second {
		t.Errorf("ping interval %v", cfg.WebSocket.PingInterval)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Registry.InactivityTimeout = cfg.Registry.SweepInterval
	if err := cfg.Validate(); err == nil {
		t.Error("inactivity timeout equal to sweep interval should be rejected")
	}

	cfg = Default()
	cfg.Sync.DriftThresholdSec = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero drift threshold should be rejected")
	}
}
