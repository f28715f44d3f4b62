package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 37710 {
		t.Errorf("port = %d, want 37710", cfg.Server.Port)
	}
	if cfg.Query.MaxTokens != 4000 {
		t.Errorf("max tokens = %d, want 4000", cfg.Query.MaxTokens)
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("dimensions = %d, want 384", cfg.Embedding.Dimensions)
	}
	if cfg.Levels.Focus != 0.7 || cfg.Levels.Archive != 0.1 {
		t.Errorf("levels = %+v", cfg.Levels)
	}
	if cfg.Decay.Interval != time.Hour {
		t.Errorf("decay interval = %v, want 1h", cfg.Decay.Interval)
	}
	if cfg.Compaction.StalenessWindow != 720*time.Hour {
		t.Errorf("staleness window = %v, want 720h", cfg.Compaction.StalenessWindow)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SPIRAL_SERVER_PORT", "9999")
	t.Setenv("SPIRAL_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want env override 9999", cfg.Server.Port)
	}
	if !cfg.Verbose() {
		t.Error("expected debug log level to report verbose")
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spiral.yaml")
	content := []byte("data_dir: /tmp/spiral-test\nserver:\n  port: 4242\ndecay:\n  rate: 0.1\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/spiral-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Server.Port != 4242 {
		t.Errorf("port = %d, want 4242", cfg.Server.Port)
	}
	if cfg.Decay.Rate != 0.1 {
		t.Errorf("decay rate = %v, want 0.1", cfg.Decay.Rate)
	}
	// untouched keys keep their defaults
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("model = %q", cfg.Embedding.Model)
	}
}

func TestConfigFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for explicitly named missing config file")
	}
}

func TestDBPathAndListenAddr(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/spiral"

	if got := cfg.DBPath(); got != filepath.Join("/var/lib/spiral", "spiral.db") {
		t.Errorf("db path = %q", got)
	}
	if got := cfg.ListenAddr(); got != "127.0.0.1:37710" {
		t.Errorf("listen addr = %q", got)
	}
}
