package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatclient/internal/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
backend:
  url: https://api.example.com
  api_key: sk-test
chat:
  model: claude-haiku-4-5-20251001
  web_search: true
stream:
  write_interval_ms: 100
  suppress_cycles: 5
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.URL != "https://api.example.com" {
		t.Errorf("url = %q", cfg.Backend.URL)
	}
	if cfg.Chat.Model != "claude-haiku-4-5-20251001" || !cfg.Chat.WebSearch {
		t.Errorf("chat section wrong: %+v", cfg.Chat)
	}
	if cfg.WriteInterval() != 100*time.Millisecond {
		t.Errorf("write interval = %v", cfg.WriteInterval())
	}
	if cfg.Stream.SuppressCycles != 5 {
		t.Errorf("suppress cycles = %d", cfg.Stream.SuppressCycles)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATCLIENT_BACKEND_URL", "https://env.example.com")
	t.Setenv("CHATCLIENT_WRITE_INTERVAL_MS", "50")
	t.Setenv("CHATCLIENT_WEB_SEARCH", "true")

	cfg := &config.Config{}
	cfg.Backend.URL = "https://file.example.com"

	if !config.LoadEnvOverrides(cfg) {
		t.Fatal("env overrides not detected")
	}
	if cfg.Backend.URL != "https://env.example.com" {
		t.Errorf("env should win over file, got %q", cfg.Backend.URL)
	}
	if cfg.Stream.WriteIntervalMS != 50 {
		t.Errorf("write interval = %d", cfg.Stream.WriteIntervalMS)
	}
	if !cfg.Chat.WebSearch {
		t.Error("web search flag not applied")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Normalize()

	if cfg.Backend.URL != config.DefaultBackendURL {
		t.Errorf("backend url default = %q", cfg.Backend.URL)
	}
	if cfg.Chat.Model != config.DefaultModel {
		t.Errorf("model default = %q", cfg.Chat.Model)
	}
	if cfg.WriteInterval() != 250*time.Millisecond {
		t.Errorf("write interval default = %v", cfg.WriteInterval())
	}
	if cfg.Stream.SuppressCycles != config.DefaultSuppressCycles {
		t.Errorf("suppress cycles default = %d", cfg.Stream.SuppressCycles)
	}
}
