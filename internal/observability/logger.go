// Package observability provides the process-wide loggers and metrics.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles accepted by InitServerLogger.
const (
	ProfileStructured = "STRUCTURED"
	ProfileSimple     = "SIMPLE"
)

var (
	// CLILogger is used by one-shot commands. It writes human-readable output
	// to stderr.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the long-running server.
	ServerLogger = zap.NewNop()
)

// InitCLILogger configures CLILogger. verbose enables debug output.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = !verbose
	cfg.DisableCaller = !verbose
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		CLILogger = zap.NewNop()
		return
	}
	CLILogger = logger.Named(name)
}

// InitServerLogger configures ServerLogger from a level name and profile.
// STRUCTURED emits JSON; SIMPLE emits console lines.
func InitServerLogger(name, level, profile string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileSimple:
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	default:
		return fmt.Errorf("unknown logging profile %q (expected %s or %s)", profile, ProfileStructured, ProfileSimple)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	ServerLogger = logger.Named(name)
	return nil
}

// ParseLevel parses a log level name; blank means info.
func ParseLevel(level string) (zapcore.Level, error) {
	s := strings.ToLower(strings.TrimSpace(level))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}
