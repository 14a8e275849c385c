// Package config merges the client's YAML config file with environment
// overrides. A .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize.
const (
	DefaultBackendURL      = "http://localhost:8787"
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultStorePath       = "./.chatclient"
	DefaultWriteIntervalMS = 250
	DefaultSuppressCycles  = 2
)

type Config struct {
	Backend struct {
		URL      string `yaml:"url"`
		WatchURL string `yaml:"watch_url"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"backend"`
	Chat struct {
		Model           string `yaml:"model"`
		ReasoningEffort string `yaml:"reasoning_effort"`
		SystemPrompt    string `yaml:"system_prompt"`
		WebSearch       bool   `yaml:"web_search"`
	} `yaml:"chat"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Stream struct {
		WriteIntervalMS int `yaml:"write_interval_ms"`
		SuppressCycles  int `yaml:"suppress_cycles"`
	} `yaml:"stream"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// WriteInterval returns the durable-write debounce interval.
func (c *Config) WriteInterval() time.Duration {
	return time.Duration(c.Stream.WriteIntervalMS) * time.Millisecond
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Backend.URL == "" {
		c.Backend.URL = DefaultBackendURL
	}
	if c.Chat.Model == "" {
		c.Chat.Model = DefaultModel
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStorePath
	}
	if c.Stream.WriteIntervalMS <= 0 {
		c.Stream.WriteIntervalMS = DefaultWriteIntervalMS
	}
	if c.Stream.SuppressCycles <= 0 {
		c.Stream.SuppressCycles = DefaultSuppressCycles
	}
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadEnvOverrides applies CHATCLIENT_* environment variables onto cfg and
// reports whether any were present.
func LoadEnvOverrides(cfg *Config) bool {
	used := false
	set := func(key string, apply func(string)) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			used = true
			apply(v)
		}
	}

	set("CHATCLIENT_BACKEND_URL", func(v string) { cfg.Backend.URL = v })
	set("CHATCLIENT_WATCH_URL", func(v string) { cfg.Backend.WatchURL = v })
	set("CHATCLIENT_API_KEY", func(v string) { cfg.Backend.APIKey = v })
	set("CHATCLIENT_MODEL", func(v string) { cfg.Chat.Model = v })
	set("CHATCLIENT_REASONING_EFFORT", func(v string) { cfg.Chat.ReasoningEffort = v })
	set("CHATCLIENT_SYSTEM_PROMPT", func(v string) { cfg.Chat.SystemPrompt = v })
	set("CHATCLIENT_WEB_SEARCH", func(v string) {
		vl := strings.ToLower(v)
		cfg.Chat.WebSearch = vl == "1" || vl == "true" || vl == "yes"
	})
	set("CHATCLIENT_STORE_PATH", func(v string) { cfg.Storage.Path = v })
	set("CHATCLIENT_WRITE_INTERVAL_MS", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.WriteIntervalMS = n
		}
	})
	set("CHATCLIENT_SUPPRESS_CYCLES", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.SuppressCycles = n
		}
	})
	set("CHATCLIENT_LOG_LEVEL", func(v string) { cfg.Logging.Level = v })

	return used
}

// LoadEffective loads .env, the YAML file at path (missing file means an
// empty base), env overrides, then defaults.
func LoadEffective(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg, err := Load(path)
	if err != nil {
		if !strings.Contains(err.Error(), "not found") {
			return nil, err
		}
		cfg = &Config{}
	}
	LoadEnvOverrides(cfg)
	cfg.Normalize()
	return cfg, nil
}
