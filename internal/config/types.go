// Package config loads and validates the journeyman configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "3m" (raw nanosecond integers are also accepted).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration back in the string form users write.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON renders the duration as a string, matching the YAML form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete journeyman configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pool      PoolConfig      `yaml:"pool"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	API       APIConfig       `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// LedgerConfig defines the persistent daemon ledger.
type LedgerConfig struct {
	Path string `yaml:"path"`
	// Retention is how long stopped rows are kept before pruning.
	Retention Duration `yaml:"retention"`
}

// WorkerConfig defines how worker processes are spawned.
type WorkerConfig struct {
	// Binary is the worker executable. Empty means the current
	// executable re-invoked as `journeyman worker run`.
	Binary           string   `yaml:"binary,omitempty"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	GracePeriod      Duration `yaml:"grace_period"`
	// ExtraArgs are appended to every worker command line, after the
	// fingerprint's own arguments.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// PoolConfig defines the lifecycle policy knobs.
type PoolConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// WorkspaceConfig defines where managed worker working directories live.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// APIConfig defines the admin HTTP server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines admin API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "journeyman",
			LogLevel: "info",
		},
		Ledger: LedgerConfig{
			Path:      "./data/daemons.db",
			Retention: Duration(7 * 24 * time.Hour),
		},
		Worker: WorkerConfig{
			HandshakeTimeout: Duration(10 * time.Second),
			GracePeriod:      Duration(5 * time.Second),
		},
		Pool: PoolConfig{
			IdleTimeout:   Duration(3 * time.Minute),
			SweepInterval: Duration(10 * time.Second),
		},
		Workspace: WorkspaceConfig{
			Dir: "./data/workspaces",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8573",
		},
	}
}
