package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/audit-relay/pkg/api"
	"github.com/telekom/audit-relay/pkg/audit"
	"github.com/telekom/audit-relay/pkg/config"
	"github.com/telekom/audit-relay/pkg/relay"
	"github.com/telekom/audit-relay/pkg/system"
	"github.com/telekom/audit-relay/pkg/telemetry"
	"github.com/telekom/audit-relay/pkg/version"
)

func newServeCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audit relay and its HTTP ingest API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, err := system.NewLogger(rt.debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(ctx, *rt.cfg, rt.debug, logger)
		},
	}
}

// serve runs until ctx is cancelled. Shutdown order: stop accepting
// requests, stop the service (final flush and mirror write), release the
// transport and store, then flush traces.
func serve(ctx context.Context, cfg config.Config, debug bool, logger *zap.Logger) error {
	logger.Info("starting audit relay", zap.String("version", version.Version))

	tp, shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceVersion: version.Version,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	opts := []audit.Option{audit.WithTracer(tp.Tracer("github.com/telekom/audit-relay/pkg/audit"))}
	if cfg.Delivery.DeviceInfo == "" {
		host, _ := os.Hostname()
		opts = append(opts, audit.WithDeviceInfo(version.DeviceInfo(host)))
	}
	r, err := relay.New(ctx, cfg, logger, opts...)
	if err != nil {
		_ = shutdownTracing(context.WithoutCancel(ctx))
		return err
	}

	timeout := config.Duration(cfg.Server.ShutdownTimeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cleanup := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return errors.Join(r.Close(shutdownCtx), shutdownTracing(shutdownCtx))
	}

	if err := r.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start audit service: %w", err), cleanup())
	}

	health := func() (bool, gin.H) {
		st := r.Service.Stats()
		return st.Running, gin.H{
			"queueSize": st.QueueLength,
			"state":     st.State,
			"durable":   st.Durable,
			"transport": st.Transport,
		}
	}
	server, err := api.NewServer(logger, cfg.Server, debug, health)
	if err != nil {
		return errors.Join(err, cleanup())
	}
	defer server.Close()
	if err := server.RegisterAll([]api.APIController{
		api.NewAuditController(r.Service, logger),
	}); err != nil {
		return errors.Join(fmt.Errorf("register controllers: %w", err), cleanup())
	}

	runErr := server.Run(ctx)
	if runErr != nil {
		logger.Error("ingest API stopped", zap.Error(runErr))
	}
	closeErr := cleanup()
	if closeErr == nil {
		logger.Info("audit relay stopped")
	}
	return errors.Join(runErr, closeErr)
}
