package ember

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a console logger at the given level ("debug", "info",
// "warn", "error"). An empty level means info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, configErrorf("logger", "level", "unknown level %q", level)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// defaultLogger is what the trainer uses when the caller passes none.
func defaultLogger() *zap.Logger {
	logger, err := NewLogger("")
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
