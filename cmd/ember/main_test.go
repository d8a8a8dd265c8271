package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.json")
	if err := os.WriteFile(path, []byte(`{"server": {`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, usedDefaults, err := loadConfig(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if cfg != nil || usedDefaults {
		t.Errorf("cfg = %v, usedDefaults = %v", cfg, usedDefaults)
	}
	// The fatal path must still be able to build a logger.
	if logger := newLogger(cfg); logger == nil {
		t.Fatal("newLogger(nil) returned nil")
	}
}

func TestLoadConfigMissingUsesDefaults(t *testing.T) {
	cfg, usedDefaults, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !usedDefaults || cfg == nil {
		t.Fatalf("cfg = %v, usedDefaults = %v", cfg, usedDefaults)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadConfigShipped(t *testing.T) {
	cfg, usedDefaults, err := loadConfig("../../configs/ember.json")
	if err != nil || usedDefaults {
		t.Fatalf("loadConfig: err=%v usedDefaults=%v", err, usedDefaults)
	}
	if cfg.Server.Port == 0 {
		t.Error("port not loaded")
	}
}
