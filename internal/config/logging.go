package config

import (
	"fmt"
	"strings"

	"triangulum/internal/logging"
)

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`                     // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty"`                   // json, console
	File       string          `yaml:"file" json:"file,omitempty"`                       // optional, stderr is always written
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"`           // forces debug level
	Categories map[string]bool `yaml:"categories,omitempty" json:"categories,omitempty"` // per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Categories not listed are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// Validate checks the level and format strings.
func (c *LoggingConfig) Validate() error {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console", "text":
	default:
		return fmt.Errorf("logging: unknown format %q (valid: json, console)", c.Format)
	}
	return nil
}

// Options maps the config section onto the logger's options.
func (c *LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		DebugMode:  c.DebugMode,
		Categories: c.Categories,
		OutputPath: c.File,
	}
}
