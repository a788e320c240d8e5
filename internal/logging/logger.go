// Package logging provides config-driven categorized logging for compitutto.
// Console output always goes to stderr; when debug mode is on, a JSON copy of every
// entry is also written to <dir>/logs/<date>_compitutto.log.
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
	CategoryBoot        Category = "boot"        // Startup, config, credentials
	CategorySession     Category = "session"     // Login and navigation
	CategoryBrowser     Category = "browser"     // Chrome lifecycle, CDP events
	CategoryResolver    Category = "resolver"    // Element resolution
	CategoryExport      Category = "export"      // Trigger, modal, download race
	CategoryDiagnostics Category = "diagnostics" // Snapshots
	CategoryRetention   Category = "retention"   // Artifact pruning
	CategoryPipeline    Category = "pipeline"    // Run orchestration
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	DebugMode  bool            // write JSON log files under Dir/logs
	JSON       bool            // JSON console output instead of console encoder
	Dir        string          // data directory; logs go to Dir/logs
	Categories map[string]bool // nil = all enabled
}

// Set owns the base logger and hands out category loggers.
type Set struct {
	base       *zap.Logger
	categories map[string]bool
	file       *os.File

	mu     sync.Mutex
	named  map[Category]*zap.Logger
	closed bool
}

// New builds the logger set described by cfg.
func New(cfg Config) (*Set, error) {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if cfg.JSON {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(consoleCfg)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	s := &Set{
		categories: cfg.Categories,
		named:      make(map[Category]*zap.Logger),
	}

	if cfg.DebugMode {
		logsDir := filepath.Join(cfg.Dir, "logs")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create logs directory: %w", err)
		}
		// Date prefix keeps one file per day for easy rotation.
		name := fmt.Sprintf("%s_compitutto.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.file = f
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel))
	}

	s.base = zap.New(zapcore.NewTee(cores...))
	return s, nil
}

// Nop returns a set whose loggers discard everything. Used by tests.
func Nop() *Set {
	return Wrap(zap.NewNop())
}

// Wrap builds a set around an existing logger (e.g. zaptest or an observer core).
func Wrap(l *zap.Logger) *Set {
	return &Set{base: l, named: make(map[Category]*zap.Logger)}
}

// Base returns the uncategorised logger.
func (s *Set) Base() *zap.Logger {
	return s.base
}

// IsCategoryEnabled returns whether a specific category is enabled
func (s *Set) IsCategoryEnabled(c Category) bool {
	if s.categories == nil {
		return true
	}
	enabled, ok := s.categories[string(c)]
	if !ok {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) the logger for a category.
// Disabled categories get a no-op logger.
func (s *Set) Get(c Category) *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.named[c]; ok {
		return l
	}
	var l *zap.Logger
	if s.IsCategoryEnabled(c) {
		l = s.base.Named(string(c))
	} else {
		l = zap.NewNop()
	}
	s.named[c] = l
	return l
}

// Close flushes the loggers and closes the debug log file.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	// Sync on stderr returns EINVAL on some platforms; not worth surfacing.
	_ = s.base.Sync()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
