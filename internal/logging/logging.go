package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. "debug" selects the development encoder,
// anything else the production JSON encoder at the requested level.
func New(level string) (*zap.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "debug" {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Init builds the logger and routes the standard library logger into it.
// The returned func restores the standard logger and flushes buffered entries.
func Init(level string) (*zap.Logger, func(), error) {
	logger, err := New(level)
	if err != nil {
		return nil, nil, err
	}
	restore := zap.RedirectStdLog(logger)
	return logger, func() {
		restore()
		_ = logger.Sync()
	}, nil
}

// Component returns a sugared logger tagged with the component name.
func Component(base *zap.Logger, component string) *zap.SugaredLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.With(zap.String("component", component)).Sugar()
}

// NewFile builds a JSON logger that writes only to path. An empty path
// yields a no-op logger, for terminal UIs that own stdout and stderr.
func NewFile(level, path string) (*zap.Logger, error) {
	if strings.TrimSpace(path) == "" {
		return zap.NewNop(), nil
	}
	lvl := zapcore.InfoLevel
	if level = strings.TrimSpace(level); level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, err
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	return cfg.Build()
}
