package system

import (
	"go.uber.org/zap"
)

// NewTestLogger returns a development logger without automatic stacktraces,
// so expected warnings in tests stay readable.
func NewTestLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, _ := cfg.Build()
	return logger
}
