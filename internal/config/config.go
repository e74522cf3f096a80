package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Git      GitConfig      `yaml:"git"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	TrustedProxies     []string `yaml:"trusted_proxies"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	GitPrefix          string   `yaml:"git_prefix"` // URL prefix of the smart HTTP routes
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type StorageConfig struct {
	Path string `yaml:"path"` // bare repositories live at <path>/<name>
}

type GitConfig struct {
	Binary             string `yaml:"binary"`
	Timeout            string `yaml:"timeout"` // per pack exchange; "0" disables
	MaxStderrBytes     int    `yaml:"max_stderr_bytes"`
	Maintenance        bool   `yaml:"maintenance"` // run `git gc --auto` after pushes
	MaintenanceWorkers int    `yaml:"maintenance_workers"`
	CheckTimeout       string `yaml:"check_timeout"` // bound on `POST /check` probes
}

type AuthConfig struct {
	Enabled       bool         `yaml:"enabled"`
	JWTSecret     string       `yaml:"jwt_secret"`
	TokenDuration string       `yaml:"token_duration"` // e.g. "24h"
	Users         []UserConfig `yaml:"users"`
}

type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GitTimeout returns the pack exchange timeout. Zero means none.
func (c *Config) GitTimeout() (time.Duration, error) {
	return parseDuration("git.timeout", c.Git.Timeout)
}

func (c *Config) CheckTimeout() (time.Duration, error) {
	return parseDuration("git.check_timeout", c.Git.CheckTimeout)
}

func (c *Config) TokenDuration() (time.Duration, error) {
	d, err := parseDuration("auth.token_duration", c.Auth.TokenDuration)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("auth.token_duration must be positive")
	}
	return d, nil
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be configured")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres (got %q)", c.Database.Driver)
	}
	if p := c.Server.GitPrefix; p != "" && (!strings.HasPrefix(p, "/") || strings.TrimRight(p, "/") == "" || strings.ContainsAny(p, "{} ")) {
		return fmt.Errorf("server.git_prefix must be an absolute path such as /git (got %q)", p)
	}
	if _, err := c.GitTimeout(); err != nil {
		return err
	}
	if _, err := c.CheckTimeout(); err != nil {
		return err
	}
	if !c.Auth.Enabled {
		return nil
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("HARBR_JWT_SECRET must be set to a non-default value when auth is enabled (example: HARBR_JWT_SECRET=dev-jwt-secret-change-this)")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("HARBR_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
	}
	if _, err := c.TokenDuration(); err != nil {
		return err
	}
	if len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth.users must list at least one user when auth is enabled")
	}
	for i, u := range c.Auth.Users {
		if strings.TrimSpace(u.Username) == "" {
			return fmt.Errorf("auth.users[%d].username is required", i)
		}
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return fmt.Errorf("auth.users[%d].password_hash must be a bcrypt hash (see `harbr hash-password`)", i)
		}
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      3030,
			GitPrefix: "/git",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "harbr.db",
		},
		Storage: StorageConfig{
			Path: "data/repos",
		},
		Git: GitConfig{
			Binary:             "git",
			Timeout:            "10m",
			MaxStderrBytes:     64 << 10,
			Maintenance:        true,
			MaintenanceWorkers: 1,
			CheckTimeout:       "30s",
		},
		Auth: AuthConfig{
			JWTSecret:     defaultJWTSecret,
			TokenDuration: "24h",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HARBR_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("HARBR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("HARBR_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = parseCSV(v)
	}
	if v := os.Getenv("HARBR_CORS_ALLOW_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = parseCSV(v)
	}
	if v := os.Getenv("HARBR_GIT_PREFIX"); v != "" {
		cfg.Server.GitPrefix = strings.TrimSpace(v)
	}
	if v := os.Getenv("HARBR_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("HARBR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("HARBR_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("HARBR_GIT_BINARY"); v != "" {
		cfg.Git.Binary = v
	}
	if v := os.Getenv("HARBR_GIT_TIMEOUT"); v != "" {
		cfg.Git.Timeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("HARBR_GIT_MAINTENANCE"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Git.Maintenance = enabled
		}
	}
	if v := os.Getenv("HARBR_AUTH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enabled = enabled
		}
	}
	if v := os.Getenv("HARBR_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("HARBR_TOKEN_DURATION"); v != "" {
		cfg.Auth.TokenDuration = strings.TrimSpace(v)
	}
}

func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
