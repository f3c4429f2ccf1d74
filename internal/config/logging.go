package config

import "lukhas/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, console
	Dir        string          `yaml:"dir"`        // per-category files; empty = stderr
	AuditDir   string          `yaml:"audit_dir"`  // audit JSON lines; empty = disabled
	Categories map[string]bool `yaml:"categories"` // per-category toggles
}

// ToLogging converts to the logging package's config.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		Dir:        c.Dir,
		Categories: c.Categories,
	}
}
