// Package config loads service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Environment string   `yaml:"environment"`
	PublicDir   string   `yaml:"public_dir"`
	ThemeFile   string   `yaml:"theme_file"`
}

type LimitsConfig struct {
	MaxSessions          int           `yaml:"max_sessions"`
	MaxMembersPerSession int           `yaml:"max_members_per_session"`
	JoinCooldown         time.Duration `yaml:"join_cooldown"`
	CreateCooldown       time.Duration `yaml:"create_cooldown"`
}

type ExpiryConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	AbsoluteTimeout time.Duration `yaml:"absolute_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type CleanupConfig struct {
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	JanitorGrace    time.Duration `yaml:"janitor_grace"`
}

// Duration fields come in as "5m"-style strings; yaml.v3 has no native
// time.Duration support, so the sections decode through shadow structs.
// Absent fields leave the already-populated defaults untouched.

func (l *LimitsConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxSessions          *int   `yaml:"max_sessions"`
		MaxMembersPerSession *int   `yaml:"max_members_per_session"`
		JoinCooldown         string `yaml:"join_cooldown"`
		CreateCooldown       string `yaml:"create_cooldown"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxSessions != nil {
		l.MaxSessions = *raw.MaxSessions
	}
	if raw.MaxMembersPerSession != nil {
		l.MaxMembersPerSession = *raw.MaxMembersPerSession
	}
	if err := setDuration("join_cooldown", raw.JoinCooldown, &l.JoinCooldown); err != nil {
		return err
	}
	return setDuration("create_cooldown", raw.CreateCooldown, &l.CreateCooldown)
}

func (e *ExpiryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		IdleTimeout     string `yaml:"idle_timeout"`
		AbsoluteTimeout string `yaml:"absolute_timeout"`
		SweepInterval   string `yaml:"sweep_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration("idle_timeout", raw.IdleTimeout, &e.IdleTimeout); err != nil {
		return err
	}
	if err := setDuration("absolute_timeout", raw.AbsoluteTimeout, &e.AbsoluteTimeout); err != nil {
		return err
	}
	return setDuration("sweep_interval", raw.SweepInterval, &e.SweepInterval)
}

func (c *CleanupConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		JanitorInterval string `yaml:"janitor_interval"`
		JanitorGrace    string `yaml:"janitor_grace"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration("janitor_interval", raw.JanitorInterval, &c.JanitorInterval); err != nil {
		return err
	}
	return setDuration("janitor_grace", raw.JanitorGrace, &c.JanitorGrace)
}

func setDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
			Environment: "development",
			PublicDir:   "public",
			ThemeFile:   "config/themes.json",
		},
		Limits: LimitsConfig{
			MaxSessions:          1000,
			MaxMembersPerSession: 100,
			JoinCooldown:         5 * time.Second,
			CreateCooldown:       10 * time.Second,
		},
		Expiry: ExpiryConfig{
			IdleTimeout:     2 * time.Hour,
			AbsoluteTimeout: 24 * time.Hour,
			SweepInterval:   5 * time.Minute,
		},
		Cleanup: CleanupConfig{
			JanitorInterval: 10 * time.Minute,
			JanitorGrace:    30 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)
	c.Server.PublicDir = getEnv("PUBLIC_DIR", c.Server.PublicDir)
	c.Server.ThemeFile = getEnv("THEME_FILE", c.Server.ThemeFile)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = strings.Split(origins, ",")
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Limits.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.Limits.MaxSessions)
	}
	if c.Limits.MaxMembersPerSession < 1 {
		return fmt.Errorf("max_members_per_session must be positive, got %d", c.Limits.MaxMembersPerSession)
	}
	if c.Expiry.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.Expiry.SweepInterval)
	}
	if c.Expiry.IdleTimeout <= 0 || c.Expiry.AbsoluteTimeout <= 0 {
		return fmt.Errorf("expiry timeouts must be positive")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
