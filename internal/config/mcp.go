package config

// MCPConfig configures the sandboxed MCP file server.
type MCPConfig struct {
	Listen       string `yaml:"listen"`
	Root         string `yaml:"root"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	MaxEntries   int    `yaml:"max_entries"`
	Authorize    bool   `yaml:"authorize"`
}
