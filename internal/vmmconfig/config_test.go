package vmmconfig

import (
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	origPath := ConfigPath
	ConfigPath = filepath.Join(dir, "config.yaml")
	defer func() { ConfigPath = origPath }()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RingCapacity != Default().RingCapacity {
		t.Errorf("expected default ring capacity, got %d", cfg.RingCapacity)
	}

	if err := Verify(); err != nil {
		t.Errorf("expected config to now exist: %v", err)
	}
}

func TestSocketPaths(t *testing.T) {
	cfg := Config{TmpDir: "/tmp/x"}
	if got := cfg.CommandSocketPath(); got != "/tmp/x/vmmd.sock" {
		t.Errorf("CommandSocketPath = %s", got)
	}
	if got := cfg.ConsoleSocketPath(); got != "/tmp/x/cons.sock" {
		t.Errorf("ConsoleSocketPath = %s", got)
	}
}
