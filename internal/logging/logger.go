// Package logging provides config-driven categorized logging for lukhas.
// Every category is a named zap logger. When a log directory is configured each
// category also gets its own file under that directory; otherwise all output goes
// to stderr. Categories can be switched off individually.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryAuthz     Category = "authz"     // Authorization decisions
	CategoryPolicy    Category = "policy"    // Policy loading, reload, Mangle evaluation
	CategoryTelemetry Category = "telemetry" // Tracer provider lifecycle
	CategoryIncident  Category = "incident"  // Playbook execution
	CategoryMCP       Category = "mcp"       // MCP file server sessions and tool calls
	CategoryAPI       Category = "api"       // REST handlers
	CategoryStore     Category = "store"     // SQLite operations
	CategoryGuardian  Category = "guardian"  // Metric thresholds and alerts
)

// AllCategories lists every known category in a stable order.
var AllCategories = []Category{
	CategoryBoot, CategoryAuthz, CategoryPolicy, CategoryTelemetry,
	CategoryIncident, CategoryMCP, CategoryAPI, CategoryStore, CategoryGuardian,
}

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	Dir        string          // per-category files when set
	Categories map[string]bool // nil means all enabled
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	current    Config
	loggers    = make(map[Category]*zap.SugaredLogger)
	closers    []func()
	nopSugared = zap.NewNop().Sugar()
)

// Initialize configures the logging system. It may be called again to
// reconfigure; previously opened files are closed.
func Initialize(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	CloseAll()

	mu.Lock()
	defer mu.Unlock()

	current = cfg
	encoder := newEncoder(cfg.Format)

	if cfg.Dir == "" {
		root = zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
		return nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Category files are opened lazily in Get; root only carries boot output.
	ws, closeFn, err := zap.Open(categoryPath(cfg.Dir, CategoryBoot))
	if err != nil {
		return fmt.Errorf("failed to open boot log: %w", err)
	}
	closers = append(closers, closeFn)
	root = zap.New(zapcore.NewCore(encoder, ws, level))
	return nil
}

// UseLogger installs an existing zap logger as the root of every category.
// The CLI uses this so command output and category logs share one sink; tests
// use it with zaptest/observer cores.
func UseLogger(l *zap.Logger) {
	CloseAll()
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
	current = Config{}
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" || format == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

func categoryPath(dir string, category Category) string {
	date := time.Now().Format("2006-01-02")
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if current.Categories == nil {
		return true
	}
	enabled, exists := current.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if !categoryEnabledLocked(category) {
		mu.RUnlock()
		return nopSugared
	}
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	base := root
	if current.Dir != "" && category != CategoryBoot {
		ws, closeFn, err := zap.Open(categoryPath(current.Dir, category))
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file for %s: %v\n", category, err)
		} else {
			closers = append(closers, closeFn)
			level, _ := parseLevel(current.Level)
			base = zap.New(zapcore.NewCore(newEncoder(current.Format), ws, level))
		}
	}

	l := base.Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// Sync flushes all category loggers.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
	_ = root.Sync()
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	Sync()
	mu.Lock()
	defer mu.Unlock()
	for _, c := range closers {
		c()
	}
	closers = nil
	loggers = make(map[Category]*zap.SugaredLogger)
	root = zap.NewNop()
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Infof(format, args...) }

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debugf(format, args...) }

// Authz logs to the authz category
func Authz(format string, args ...interface{}) { Get(CategoryAuthz).Infof(format, args...) }

// AuthzDebug logs debug to the authz category
func AuthzDebug(format string, args ...interface{}) { Get(CategoryAuthz).Debugf(format, args...) }

// AuthzWarn logs warning to the authz category
func AuthzWarn(format string, args ...interface{}) { Get(CategoryAuthz).Warnf(format, args...) }

// Policy logs to the policy category
func Policy(format string, args ...interface{}) { Get(CategoryPolicy).Infof(format, args...) }

// PolicyDebug logs debug to the policy category
func PolicyDebug(format string, args ...interface{}) { Get(CategoryPolicy).Debugf(format, args...) }

// PolicyWarn logs warning to the policy category
func PolicyWarn(format string, args ...interface{}) { Get(CategoryPolicy).Warnf(format, args...) }

// Incident logs to the incident category
func Incident(format string, args ...interface{}) { Get(CategoryIncident).Infof(format, args...) }

// IncidentDebug logs debug to the incident category
func IncidentDebug(format string, args ...interface{}) {
	Get(CategoryIncident).Debugf(format, args...)
}

// IncidentWarn logs warning to the incident category
func IncidentWarn(format string, args ...interface{}) { Get(CategoryIncident).Warnf(format, args...) }

// MCP logs to the mcp category
func MCP(format string, args ...interface{}) { Get(CategoryMCP).Infof(format, args...) }

// MCPDebug logs debug to the mcp category
func MCPDebug(format string, args ...interface{}) { Get(CategoryMCP).Debugf(format, args...) }

// MCPWarn logs warning to the mcp category
func MCPWarn(format string, args ...interface{}) { Get(CategoryMCP).Warnf(format, args...) }

// API logs to the api category
func API(format string, args ...interface{}) { Get(CategoryAPI).Infof(format, args...) }

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debugf(format, args...) }

// APIError logs error to the api category
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Errorf(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Infof(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debugf(format, args...) }

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) { Get(CategoryStore).Warnf(format, args...) }

// Guardian logs to the guardian category
func Guardian(format string, args ...interface{}) { Get(CategoryGuardian).Infof(format, args...) }

// GuardianDebug logs debug to the guardian category
func GuardianDebug(format string, args ...interface{}) {
	Get(CategoryGuardian).Debugf(format, args...)
}

// GuardianWarn logs warning to the guardian category
func GuardianWarn(format string, args ...interface{}) { Get(CategoryGuardian).Warnf(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugw("operation completed", "op", t.op, "elapsed", elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Infow("operation completed", "op", t.op, "elapsed", elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warnw("slow operation", "op", t.op, "elapsed", elapsed, "threshold", threshold)
	} else {
		Get(t.category).Debugw("operation completed", "op", t.op, "elapsed", elapsed)
	}
	return elapsed
}
