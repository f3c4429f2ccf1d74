package config

import "time"

// Authorization modes.
const (
	AuthzModeLocal = "local" // Mangle-evaluated matrix policy
	AuthzModeOPA   = "opa"   // Open Policy Agent, local policy as fallback
)

// AuthzConfig configures capability tokens and the policy decision point.
type AuthzConfig struct {
	Mode         string `yaml:"mode"`
	PolicyPath   string `yaml:"policy_path"`
	OPAURL       string `yaml:"opa_url"`
	DecisionPath string `yaml:"decision_path"`
	OPATimeout   string `yaml:"opa_timeout"`

	// FailOpen falls back to the local policy when OPA is unreachable.
	// When false an unreachable OPA denies.
	FailOpen bool `yaml:"fail_open"`

	TokenSecret string `yaml:"token_secret"`
	TokenIssuer string `yaml:"token_issuer"`
	TokenTTL    string `yaml:"token_ttl"`

	HotReload bool `yaml:"hot_reload"`
}

// GetOPATimeout returns the OPA request timeout.
func (a AuthzConfig) GetOPATimeout() time.Duration {
	return parseDuration(a.OPATimeout, 2*time.Second)
}

// GetTokenTTL returns the lifetime of issued capability tokens.
func (a AuthzConfig) GetTokenTTL() time.Duration {
	return parseDuration(a.TokenTTL, time.Hour)
}
