package config

import "testing"

func TestLoad_RequiresSignalingURL(t *testing.T) {
	if _, err := Load([]string{"-home", t.TempDir()}); err == nil {
		t.Fatal("expected load without signaling-url to fail")
	}
}

func TestLoad_ResolvesDefaultsAndPaths(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{"-home", dir, "-signaling-url", "wss://example.test/signal", "-field-seed", "seed"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != dir {
		t.Fatalf("expected home dir %s, got %s", dir, cfg.HomeDir)
	}
	if cfg.MaxOfferedBytes != DefaultMaxOfferedBytes {
		t.Fatalf("expected default max offered bytes, got %d", cfg.MaxOfferedBytes)
	}
	if cfg.DBPath() == "" || cfg.KeysDir() == "" {
		t.Fatal("expected derived paths to be non-empty")
	}
}

func TestConfig_EnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{"-home", dir, "-signaling-url", "wss://example.test/signal"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
}
