// Package main is the lukhas CLI.
//
// lukhas runs the governance server (REST API, MCP file server, guardian
// monitor and incident engine) and offers offline commands for tokens,
// policies and playbooks.
//
// Usage:
//
//	lukhas serve                       # API + MCP + guardian + incident engine
//	lukhas token issue --subject u1 --tier T3
//	lukhas authz check content review --tier T3 --scope content:review
//	lukhas policy validate policy/matrix.yaml
//	lukhas playbook validate playbooks/
//	lukhas incident run --category malware --severity high
//	lukhas mcp serve --root ./shared
//	lukhas mcp call read_file notes.txt
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lukhas/internal/config"
	"lukhas/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Set up by PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "lukhas",
	Short: "lukhas - tiered authorization, incident response and governed file access",
	Long: `lukhas guards a small social platform behind capability tokens.

Every request carries a signed token naming a tier (T1-T5) and scopes. The
policy matrix maps module/action pairs to a minimum tier and required scopes,
evaluated locally with Mangle or by a remote OPA decision point. Decisions
are audited, traced and stored for compliance review.

The guardian watches request and denial rates; critical alerts open incidents
that the playbook engine answers with a dependency-ordered response plan.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c

		logger, err = buildLogger(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if cfg.Logging.Dir != "" || len(cfg.Logging.Categories) > 0 {
			lc := cfg.Logging.ToLogging()
			if verbose {
				lc.Level = "debug"
			}
			if err := logging.Initialize(lc); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
		} else {
			logging.UseLogger(logger)
		}
		if err := logging.InitAudit(cfg.Logging.AuditDir); err != nil {
			return err
		}

		logger.Debug("configuration loaded", zap.String("path", configPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.Sync()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// buildLogger builds the command logger. Verbose forces debug level.
func buildLogger(lc config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(lc.Format, "console") || strings.EqualFold(lc.Format, "text") {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, fmt.Errorf("unknown log level %q", lc.Level)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lukhas.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(authzCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(incidentCmd)
	rootCmd.AddCommand(playbookCmd)
	rootCmd.AddCommand(mcpCmd)
}

// commandContext returns the command's context, or Background when the
// command was not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
