package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/ember/internal/engine"
	"github.com/nidhogg/ember/internal/render"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Avatar   engine.Config  `json:"avatar"`
	Pulse    PulseConfig    `json:"pulse"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	LogLevel       string   `json:"log_level"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `json:"postgres"`
	SQLite        SQLiteConfig   `json:"sqlite"`
	Redis         RedisConfig    `json:"redis"`
	MigrationsDir string         `json:"migrations_dir"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	MaxLen int64  `json:"max_len"`
}

type PulseConfig struct {
	Enabled      bool     `json:"enabled"`
	Interval     Duration `json:"interval"`
	IdleInterval Duration `json:"idle_interval"`
	Capability   string   `json:"capability"`
}

// Duration is a time.Duration written as a Go duration string ("1s", "250ms").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration that runs without any external services:
// SQLite in the working directory, no Redis, pulse enabled with log output.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3210,
			LogLevel:       "info",
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			SQLite:        SQLiteConfig{Path: "ember.db"},
			Redis:         RedisConfig{MaxLen: 1000},
			MigrationsDir: "migrations",
		},
		Avatar: engine.DefaultConfig(),
		Pulse: PulseConfig{
			Enabled:    true,
			Interval:   Duration(time.Second),
			Capability: string(render.Vector),
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults and substitutes
// environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes JSON config data over the defaults.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level %q unknown", c.Server.LogLevel))
	}

	h := c.Avatar.History
	if h.Threshold < 0 {
		errs = append(errs, errors.New("avatar.history.threshold must not be negative"))
	}
	if h.Rearm < 0 || h.Rearm > 1 {
		errs = append(errs, fmt.Errorf("avatar.history.rearm %v outside [0, 1]", h.Rearm))
	}
	if h.MaxMarks < 0 {
		errs = append(errs, errors.New("avatar.history.max_marks must not be negative"))
	}
	if c.Avatar.Tracker.Tolerance < 0 {
		errs = append(errs, errors.New("avatar.tracker.tolerance must not be negative"))
	}
	if c.Avatar.Render.Width < 0 || c.Avatar.Render.Height < 0 {
		errs = append(errs, errors.New("avatar.render size must not be negative"))
	}

	if c.Pulse.Enabled {
		if c.Pulse.Interval.Std() <= 0 {
			errs = append(errs, errors.New("pulse.interval must be positive"))
		}
		if c.Pulse.IdleInterval.Std() < 0 {
			errs = append(errs, errors.New("pulse.idle_interval must not be negative"))
		}
		switch render.Capability(c.Pulse.Capability) {
		case render.Raster, render.Vector, render.Realtime:
		default:
			errs = append(errs, fmt.Errorf("pulse.capability %q unknown", c.Pulse.Capability))
		}
	}
	return errors.Join(errs...)
}
