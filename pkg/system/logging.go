// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReqLoggerKey is the gin context key holding the request-scoped logger.
const ReqLoggerKey = "reqLogger"

// NewLogger builds the process logger: production JSON, or the development
// console encoder when debug is set. Timestamps are RFC3339 UTC under "ts".
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	// Disable automatic stacktraces for non-fatal levels to avoid noisy traces in WARN/INFO logs
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return logger, nil
}

// RequestLogger stores a logger annotated with the request's route and client
// address in the gin context.
func RequestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		l := base.With(
			zap.String("route", c.FullPath()),
			zap.String("clientIP", c.ClientIP()))
		if id := c.GetHeader("X-Request-ID"); id != "" {
			l = l.With(zap.String("requestID", id))
		}
		c.Set(ReqLoggerKey, l)
		c.Next()
	}
}

// GetReqLogger returns the request-scoped logger from gin.Context if present,
// otherwise fallback.
func GetReqLogger(c *gin.Context, fallback *zap.Logger) *zap.Logger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok2 := v.(*zap.Logger); ok2 {
			return l
		}
	}
	return fallback
}
