// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/audit-relay/pkg/config"
	"github.com/telekom/audit-relay/pkg/metrics"
	"github.com/telekom/audit-relay/pkg/ratelimit"
	"github.com/telekom/audit-relay/pkg/system"
)

// APIController is a group of routes mounted below /api.
type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

type Server struct {
	gin     *gin.Engine
	config  config.Server
	log     *zap.Logger
	limiter *ratelimit.Limiter
	health  func() (bool, gin.H)
}

// NewServer builds the engine with logging, recovery, request metrics and
// optional CORS. health reports readiness for /healthz.
func NewServer(log *zap.Logger, cfg config.Server, debug bool, health func() (bool, gin.H)) (*Server, error) {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
		system.RequestLogger(log),
		requestMetrics(),
	)

	if len(cfg.AllowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "X-Device-Info", "X-Branch-ID", "X-Request-ID"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{gin: engine, config: cfg, log: log, health: health}
	if cfg.RateLimit.Enabled {
		key := ratelimit.ByClientIP
		if cfg.RateLimit.KeyHeader != "" {
			key = ratelimit.ByHeader(cfg.RateLimit.KeyHeader)
		}
		s.limiter = ratelimit.New(ratelimit.Config{
			Rate:  cfg.RateLimit.Rate,
			Burst: cfg.RateLimit.Burst,
		}, key, nil)
	}

	engine.GET("/healthz", s.getHealth)
	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))
	return s, nil
}

// RegisterAll mounts every controller below /api. Producer routes are rate
// limited when enabled.
func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group("api")
	for _, c := range controllers {
		handlers := c.Handlers()
		if s.limiter != nil {
			handlers = append([]gin.HandlerFunc{s.limiter.Middleware()}, handlers...)
		}
		if err := c.Register(r.Group(c.BasePath(), handlers...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.gin }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: config.Duration(s.config.ReadTimeout),
		ReadTimeout:       config.Duration(s.config.ReadTimeout),
		WriteTimeout:      config.Duration(s.config.WriteTimeout),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("audit ingest API listening", zap.String("address", s.config.ListenAddress))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := config.Duration(s.config.ShutdownTimeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.log.Info("shutting down audit ingest API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

// Close stops background helpers. It is safe to call more than once.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) getHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ok, details := s.health()
	if details == nil {
		details = gin.H{}
	}
	if !ok {
		details["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, details)
		return
	}
	details["status"] = "ok"
	c.JSON(http.StatusOK, details)
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
