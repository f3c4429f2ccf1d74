// Package config loads lukhas configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lukhas configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Authz     AuthzConfig     `yaml:"authz"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	MCP       MCPConfig       `yaml:"mcp"`
	Incident  IncidentConfig  `yaml:"incident"`
	Guardian  GuardianConfig  `yaml:"guardian"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "lukhas",
		Version: "0.3.0",

		Server: ServerConfig{
			Listen:         "127.0.0.1:8080",
			ReadTimeout:    "15s",
			WriteTimeout:   "30s",
			IdleTimeout:    "60s",
			MaxConnections: 512,
		},

		Database: DatabaseConfig{
			Path: "data/lukhas.db",
		},

		Authz: AuthzConfig{
			Mode:         AuthzModeLocal,
			PolicyPath:   "policy/matrix.yaml",
			OPAURL:       "http://localhost:8181",
			DecisionPath: "lukhas/matrix/decision",
			OPATimeout:   "2s",
			FailOpen:     false,
			TokenIssuer:  "lukhas",
			TokenTTL:     "1h",
			HotReload:    true,
		},

		Telemetry: TelemetryConfig{
			ServiceName: "lukhas",
			Exporter:    "none",
		},

		MCP: MCPConfig{
			Listen:       "127.0.0.1:8090",
			Root:         ".",
			MaxFileBytes: 1 << 20,
			MaxEntries:   1000,
			Authorize:    true,
		},

		Incident: IncidentConfig{
			PlaybookDir: "playbooks",
			MaxParallel: 4,
			StepTimeout: "30s",
			AutoApprove: false,
		},

		Guardian: GuardianConfig{
			Window: 120,
			Thresholds: []ThresholdConfig{
				{Metric: "authz.deny_rate", Warn: 0.25, Critical: 0.6},
				{Metric: "api.error_rate", Warn: 0.05, Critical: 0.2},
			},
			OpenIncidents: true,
		},

		Uploads: UploadsConfig{
			Dir:      "data/uploads",
			MaxBytes: 10 << 20,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults still honour the environment.
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if secret := os.Getenv("LUKHAS_TOKEN_SECRET"); secret != "" {
		c.Authz.TokenSecret = secret
	}
	if url := os.Getenv("LUKHAS_OPA_URL"); url != "" {
		c.Authz.OPAURL = url
		c.Authz.Mode = AuthzModeOPA
	}
	if path := os.Getenv("LUKHAS_POLICY"); path != "" {
		c.Authz.PolicyPath = path
	}
	if path := os.Getenv("LUKHAS_DB"); path != "" {
		c.Database.Path = path
	}
	if root := os.Getenv("LUKHAS_MCP_ROOT"); root != "" {
		c.MCP.Root = root
	}
	if addr := os.Getenv("LUKHAS_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}
	if level := os.Getenv("LUKHAS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Authz.TokenSecret == "" {
		return fmt.Errorf("token secret not configured (set authz.token_secret or LUKHAS_TOKEN_SECRET)")
	}
	if len(c.Authz.TokenSecret) < 16 {
		return fmt.Errorf("token secret must be at least 16 bytes")
	}

	switch c.Authz.Mode {
	case AuthzModeLocal:
		if c.Authz.PolicyPath == "" {
			return fmt.Errorf("authz.policy_path is required in local mode")
		}
	case AuthzModeOPA:
		if c.Authz.OPAURL == "" {
			return fmt.Errorf("authz.opa_url is required in opa mode")
		}
	default:
		return fmt.Errorf("invalid authz mode: %s (valid: %s, %s)", c.Authz.Mode, AuthzModeLocal, AuthzModeOPA)
	}

	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("invalid telemetry exporter: %s", c.Telemetry.Exporter)
	}

	if c.Incident.MaxParallel < 1 {
		return fmt.Errorf("incident.max_parallel must be positive")
	}

	for _, th := range c.Guardian.Thresholds {
		if th.Metric == "" {
			return fmt.Errorf("guardian threshold without metric")
		}
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
