package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "lukhas", cfg.Name)
	assert.Equal(t, AuthzModeLocal, cfg.Authz.Mode)
	assert.Equal(t, 4, cfg.Incident.MaxParallel)
	assert.False(t, cfg.Authz.FailOpen)
	assert.Len(t, cfg.Guardian.Thresholds, 2)
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("LUKHAS_TOKEN_SECRET", "")
	t.Setenv("LUKHAS_OPA_URL", "")

	path := filepath.Join(t.TempDir(), "lukhas.yaml")

	cfg := DefaultConfig()
	cfg.Authz.TokenSecret = "0123456789abcdef0123"
	cfg.MCP.Root = "/srv/share"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", loaded.Authz.TokenSecret)
	assert.Equal(t, "/srv/share", loaded.MCP.Root)
	assert.Equal(t, cfg.Guardian.Thresholds, loaded.Guardian.Thresholds)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Listen, cfg.Server.Listen)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lukhas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mcp:\n  root: /data\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.MCP.Root)
	assert.Equal(t, int64(1<<20), cfg.MCP.MaxFileBytes)
	assert.Equal(t, "policy/matrix.yaml", cfg.Authz.PolicyPath)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lukhas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("OPA URL switches mode", func(t *testing.T) {
		t.Setenv("LUKHAS_OPA_URL", "http://opa:8181")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "http://opa:8181", cfg.Authz.OPAURL)
		assert.Equal(t, AuthzModeOPA, cfg.Authz.Mode)
	})

	t.Run("secret db and root", func(t *testing.T) {
		t.Setenv("LUKHAS_TOKEN_SECRET", "from-env-secret-123")
		t.Setenv("LUKHAS_DB", "/tmp/x.db")
		t.Setenv("LUKHAS_MCP_ROOT", "/tmp/root")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "from-env-secret-123", cfg.Authz.TokenSecret)
		assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
		assert.Equal(t, "/tmp/root", cfg.MCP.Root)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Authz.TokenSecret = "0123456789abcdef"
		return cfg
	}

	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"missing secret":   func(c *Config) { c.Authz.TokenSecret = "" },
		"short secret":     func(c *Config) { c.Authz.TokenSecret = "short" },
		"bad mode":         func(c *Config) { c.Authz.Mode = "ldap" },
		"opa without url":  func(c *Config) { c.Authz.Mode = AuthzModeOPA; c.Authz.OPAURL = "" },
		"bad exporter":     func(c *Config) { c.Telemetry.Exporter = "jaeger" },
		"zero parallelism": func(c *Config) { c.Incident.MaxParallel = 0 },
		"empty metric":     func(c *Config) { c.Guardian.Thresholds = []ThresholdConfig{{}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Second, cfg.Server.GetReadTimeout())
	assert.Equal(t, time.Hour, cfg.Authz.GetTokenTTL())

	cfg.Authz.OPATimeout = "garbage"
	assert.Equal(t, 2*time.Second, cfg.Authz.GetOPATimeout())

	cfg.Incident.StepTimeout = "-5s"
	assert.Equal(t, 30*time.Second, cfg.Incident.GetStepTimeout())
}
