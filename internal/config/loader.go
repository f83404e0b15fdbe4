package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, and validates a configuration file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse builds a Config from raw YAML, applying env interpolation,
// defaults, and validation.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} placeholders with environment values.
// Unknown variables are left in place so validation can flag them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyDefaults backfills zero values a partial file left out.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = def.Ledger.Path
	}
	if cfg.Ledger.Retention <= 0 {
		cfg.Ledger.Retention = def.Ledger.Retention
	}
	if cfg.Worker.HandshakeTimeout <= 0 {
		cfg.Worker.HandshakeTimeout = def.Worker.HandshakeTimeout
	}
	if cfg.Worker.GracePeriod <= 0 {
		cfg.Worker.GracePeriod = def.Worker.GracePeriod
	}
	if cfg.Pool.IdleTimeout <= 0 {
		cfg.Pool.IdleTimeout = def.Pool.IdleTimeout
	}
	if cfg.Pool.SweepInterval <= 0 {
		cfg.Pool.SweepInterval = def.Pool.SweepInterval
	}
	if cfg.Workspace.Dir == "" {
		cfg.Workspace.Dir = def.Workspace.Dir
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
}

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

func validate(cfg *Config) error {
	if _, ok := validLogLevels[cfg.Service.LogLevel]; !ok {
		return fmt.Errorf("service.log_level must be one of debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if envVarPattern.MatchString(cfg.Ledger.Path) {
		return fmt.Errorf("ledger.path references an unset environment variable: %s", cfg.Ledger.Path)
	}
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires an api_key or at least one token when the API is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			return fmt.Errorf("api.auth.api_key references an unset environment variable")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				return fmt.Errorf("api.auth.tokens[%d].token references an unset environment variable", i)
			}
		}
	}
	return nil
}
