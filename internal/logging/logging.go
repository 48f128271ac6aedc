// Package logging builds the zap loggers used by the CLI and adapts them to
// the printf-style Logger the workflow engine expects.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config contains configuration for the logger
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // "json" or "human"
	LogFile string // optional
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "human",
	}
}

// New builds a zap logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.DisableStacktrace = true
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapConfig.OutputPaths = []string{"stderr"}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, cfg.LogFile)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a level name onto a zap level. Unknown names are an error;
// an empty name means info.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zap.InfoLevel, nil
	case "trace", "debug":
		return zap.DebugLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// Printf adapts a zap logger to the Debug/Info/Warn/Error printf-style
// interface.
type Printf struct {
	sugar *zap.SugaredLogger
}

// NewPrintf wraps l. A nil logger discards everything.
func NewPrintf(l *zap.Logger) *Printf {
	if l == nil {
		l = zap.NewNop()
	}
	return &Printf{sugar: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// With returns a logger that adds key/value pairs to every entry.
func (p *Printf) With(args ...interface{}) *Printf {
	return &Printf{sugar: p.sugar.With(args...)}
}

func (p *Printf) Debug(format string, args ...interface{}) { p.sugar.Debugf(format, args...) }
func (p *Printf) Info(format string, args ...interface{})  { p.sugar.Infof(format, args...) }
func (p *Printf) Warn(format string, args ...interface{})  { p.sugar.Warnf(format, args...) }
func (p *Printf) Error(format string, args ...interface{}) { p.sugar.Errorf(format, args...) }

// Sync flushes buffered entries.
func (p *Printf) Sync() error {
	return p.sugar.Sync()
}
