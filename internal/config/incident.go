package config

import "time"

// IncidentConfig configures the playbook engine.
type IncidentConfig struct {
	PlaybookDir string `yaml:"playbook_dir"`
	MaxParallel int    `yaml:"max_parallel"`
	StepTimeout string `yaml:"step_timeout"`
	AutoApprove bool   `yaml:"auto_approve"`
}

// GetStepTimeout returns the default per-step timeout.
func (i IncidentConfig) GetStepTimeout() time.Duration {
	return parseDuration(i.StepTimeout, 30*time.Second)
}

// GuardianConfig configures metric windows and alert thresholds.
type GuardianConfig struct {
	Window        int               `yaml:"window"`
	Thresholds    []ThresholdConfig `yaml:"thresholds"`
	OpenIncidents bool              `yaml:"open_incidents"`
}

// ThresholdConfig is one alert threshold. Below flips the comparison for
// metrics where low values are bad.
type ThresholdConfig struct {
	Metric   string  `yaml:"metric"`
	Warn     float64 `yaml:"warn"`
	Critical float64 `yaml:"critical"`
	Below    bool    `yaml:"below"`
}
