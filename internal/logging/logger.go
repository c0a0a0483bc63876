// Package logging provides categorized structured logging for the Triangulum runtime.
// Every subsystem logs through its own category so operators can silence noisy
// areas (e.g. scheduler debug) without losing storage or recovery warnings.
// The backend is zap; categories are named child loggers of one root.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config, shutdown
	CategorySupervisor Category = "supervisor" // Tick loop, admission decisions
	CategoryScheduler  Category = "scheduler"  // Queue submissions and dequeues
	CategoryExecutor   Category = "executor"   // Session launch/harvest
	CategoryAdmission  Category = "admission"  // PID controller
	CategoryStorage    Category = "storage"    // WAL and snapshot IO
	CategoryRecovery   Category = "recovery"   // Snapshot + log replay
	CategoryConfig     Category = "config"     // Config load and hot reload
	CategoryOutcomes   Category = "outcomes"   // Session outcome history
	CategoryReview     Category = "review"     // Human review hub
	CategoryAPI        Category = "api"        // Control HTTP endpoint
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	DebugMode  bool            // Forces debug level for every enabled category
	Categories map[string]bool // Per-category toggles; missing = enabled
	OutputPath string          // Optional file; stderr is always written
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	opts    Options
	loggers = make(map[Category]*Logger)
)

// Initialize builds the root zap logger from opts. Safe to call more than
// once; previously handed-out category loggers keep their old backend.
func Initialize(o Options) error {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return err
	}
	if o.DebugMode {
		level = zapcore.DebugLevel
	}

	var cfg zap.Config
	if strings.EqualFold(o.Format, "console") || strings.EqualFold(o.Format, "text") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	if o.OutputPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, o.OutputPath)
	}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	InitializeWith(l, o)

	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s debug_mode=%v", level, cfg.Encoding, o.DebugMode)
	return nil
}

// InitializeWith installs an existing zap logger as the root. The CLI uses
// this to share its logger; tests use it with zaptest/observer.
func InitializeWith(l *zap.Logger, o Options) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	root = l
	opts = o
	loggers = make(map[Category]*Logger)
}

// ParseLevel maps a config level string to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Root returns the root zap logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Sync flushes buffered entries. Errors from syncing stderr are ignored.
func Sync() {
	_ = Root().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabled(category)
}

func categoryEnabled(category Category) bool {
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
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

	base := zap.NewNop()
	if categoryEnabled(category) {
		base = root.Named(string(category))
	}
	l := &Logger{category: category, sugar: base.Sugar()}
	loggers[category] = l
	return l
}

// Category returns the logger's category.
func (l *Logger) Category() Category { return l.category }

// Zap exposes the underlying zap logger for structured fields.
func (l *Logger) Zap() *zap.Logger { return l.sugar.Desugar() }

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Fatal logs and exits. Only the CLI should call this.
func Fatal(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
	Sync()
	os.Exit(1)
}
