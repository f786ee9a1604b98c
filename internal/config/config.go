// Package config loads and validates the runtime configuration: the
// structured value supplied once to Manager.Initialize and held
// immutable for the Manager's lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// Config is the static configuration read at Manager construction.
type Config struct {
	PluginsDir      string `yaml:"plugins_dir" validate:"required,dirpath"`
	DataDir         string `yaml:"data_dir" validate:"required,dirpath"`
	AutoActivate    bool   `yaml:"auto_activate"`
	ScanPlugins     bool   `yaml:"scan_plugins"`
	RequireSignature bool  `yaml:"require_signature"`
	PublicKeyPath   string `yaml:"public_key_path"`
	PrivateKeyPath  string `yaml:"private_key_path"`

	AllowedDomains []string `yaml:"allowed_domains"`
	BlockedDomains []string `yaml:"blocked_domains"`

	MaxRequestBytes  int64 `yaml:"max_request_bytes" validate:"required,gt=0"`
	RequestTimeoutMs int64 `yaml:"request_timeout_ms" validate:"required,gt=0"`

	DefaultResourceLimits secplugin.ResourceLimits `yaml:"default_resource_limits" validate:"required"`

	IntrusionWindowMs   int64 `yaml:"intrusion_window_ms" validate:"required,gt=0"`
	IntrusionMaxEvents  int   `yaml:"intrusion_max_events" validate:"required,gt=0"`
	IntrusionCooldownMs int64 `yaml:"intrusion_cooldown_ms" validate:"required,gt=0"`
}

// Load reads .env (if present), resolves the XDG-style config path,
// parses YAML, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := getConfigPath()

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		cfg := Default()
		return &cfg, cfg.validate()
	} else if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func getConfigPath() string {
	if path := os.Getenv("SECPLUGD_CONFIG"); path != "" {
		return path
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "secplugd", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "secplugd", "config.yaml")
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Default returns the built-in configuration used when no config file
// exists on disk, rooted under the XDG data directory.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataRoot := filepath.Join(home, ".local", "share", "secplugd")
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		dataRoot = filepath.Join(xdgData, "secplugd")
	}

	return Config{
		PluginsDir:       filepath.Join(dataRoot, "plugins"),
		DataDir:          filepath.Join(dataRoot, "data"),
		AutoActivate:     true,
		ScanPlugins:      true,
		RequireSignature: false,
		PublicKeyPath:    filepath.Join(dataRoot, "keys", "public.pem"),
		PrivateKeyPath:   filepath.Join(dataRoot, "keys", "private.pem"),
		MaxRequestBytes:  4 << 20,
		RequestTimeoutMs: 10_000,
		DefaultResourceLimits: secplugin.ResourceLimits{
			MemoryBytes:   64 << 20,
			WallTimeoutMs: 5_000,
			CPUTimeMs:     5_000,
		},
		IntrusionWindowMs:   60_000,
		IntrusionMaxEvents:  5,
		IntrusionCooldownMs: 5 * int64(time.Minute/time.Millisecond),
	}
}

func (c *Config) validate() error {
	c.PluginsDir = expandTilde(c.PluginsDir)
	c.DataDir = expandTilde(c.DataDir)
	c.PublicKeyPath = expandTilde(c.PublicKeyPath)
	c.PrivateKeyPath = expandTilde(c.PrivateKeyPath)

	validate := validator.New()
	validate.RegisterValidation("dirpath", func(fl validator.FieldLevel) bool {
		return fl.Field().String() != ""
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	for _, pattern := range c.AllowedDomains {
		for _, blocked := range c.BlockedDomains {
			if pattern == blocked {
				return fmt.Errorf("domain %q listed in both allowed_domains and blocked_domains", pattern)
			}
		}
	}

	return nil
}

// AuditDir is where the hash-chained audit log lives.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, "audit")
}

// EnsureDirs creates the directories Initialize needs.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.PluginsDir, c.DataDir, c.AuditDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
