package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingReturnsDefault(t *testing.T) {
	SetPathOverride(filepath.Join(t.TempDir(), "missing.json"))
	defer SetPathOverride("")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultPort != 0 || cfg.DefaultServerHost != "" {
		t.Errorf("expected zero-value config, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	SetPathOverride(filepath.Join(t.TempDir(), "config.json"))
	defer SetPathOverride("")

	want := &Config{
		DefaultServerHost: "10.0.0.5",
		DefaultPort:       7575,
		DefaultStreams:    4,
		NoColor:           true,
	}
	if err := Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}
