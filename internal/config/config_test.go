package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"e2e_mediator/internal/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("identity: alice001\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity != "ALICE001" {
		t.Fatalf("identity not normalised: %q", cfg.Identity)
	}
	if cfg.Task.AckTimeout != 20*time.Second {
		t.Fatalf("unexpected ack timeout %v", cfg.Task.AckTimeout)
	}
	if cfg.Task.Retry.Multiplier != 2 {
		t.Fatalf("unexpected multiplier %v", cfg.Task.Retry.Multiplier)
	}
	if cfg.Nonce.Store != "redis" {
		t.Fatalf("unexpected nonce store %q", cfg.Nonce.Store)
	}
}

func TestLoadFromYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yaml := `
identity: BOB00001
device_id: 7
task:
  queue_store: file
  retry:
    max_attempts: 5
transaction:
  lock_timeout: 3s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("E2EM_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceID != 7 || cfg.Task.QueueStore != "file" || cfg.Task.Retry.MaxAttempts != 5 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Transaction.LockTimeout != 3*time.Second {
		t.Fatalf("lock timeout = %v", cfg.Transaction.LockTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("env override not applied: %q", cfg.Log.Level)
	}
}

func TestLoadRejectsBadDeviceGroupKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("multi_device:\n  device_group_key: zz\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatalf("expected error for non-hex device group key")
	}
}
