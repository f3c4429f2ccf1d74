package config

import "time"

// ServerConfig configures the REST API listener.
type ServerConfig struct {
	Listen         string `yaml:"listen"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	IdleTimeout    string `yaml:"idle_timeout"`
	MaxConnections int    `yaml:"max_connections"` // 0 = unlimited
}

// GetReadTimeout returns the read timeout as a duration.
func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, 15*time.Second)
}

// GetWriteTimeout returns the write timeout as a duration.
func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle timeout as a duration.
func (s ServerConfig) GetIdleTimeout() time.Duration {
	return parseDuration(s.IdleTimeout, 60*time.Second)
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UploadsConfig configures local file uploads.
type UploadsConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// TelemetryConfig configures the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Exporter    string `yaml:"exporter"` // none, stdout
}
