package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFromDir(t *testing.T) {
	dir := t.TempDir()
	content := "[scheduler]\nworkers = 3\n"
	if err := os.WriteFile(filepath.Join(dir, "mvm.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Scheduler.Workers != 3 {
		t.Errorf("workers = %d, want 3", cfg.Scheduler.Workers)
	}
}

func TestLoadConfigMissingDir(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nowhere")); err == nil {
		t.Error("expected an error for a directory without mvm.toml")
	}
}
