package config

import "compitutto/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // console, json
	DebugMode  bool            `yaml:"debug_mode"` // also write JSON log files under <data_dir>/logs
	Categories map[string]bool `yaml:"categories"` // per-category toggles, missing = enabled
}

// ToLogging returns the logging.Config for this configuration. Verbose forces
// the debug level.
func (c *Config) ToLogging(verbose bool) logging.Config {
	level := c.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Config{
		Level:      level,
		DebugMode:  c.Logging.DebugMode,
		JSON:       c.Logging.Format == "json",
		Dir:        c.DataDir,
		Categories: c.Logging.Categories,
	}
}
