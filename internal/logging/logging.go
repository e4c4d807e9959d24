package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger = zap.SugaredLogger

// New builds the production logger. LOG_LEVEL overrides the default level.
func New() *Logger {
	cfg := zap.NewProductionConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zapcore.ParseLevel(lvl); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(parsed)
		}
	}
	l, _ := cfg.Build()
	return l.Sugar()
}

// NewNop returns a no-op logger for tests.
func NewNop() *Logger {
	return zap.NewNop().Sugar()
}
