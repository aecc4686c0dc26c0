package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a configured level name onto a zap level. Empty input means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger returns a zap logger configured for structured production logging, tagged with the
// emitting component. Unknown levels fall back to info.
func NewLogger(level string, component string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, _ := ParseLevel(level)
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	if component != "" {
		cfg.InitialFields = map[string]interface{}{"component": component}
	}
	return cfg.Build()
}
