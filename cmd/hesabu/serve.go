package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hesabu/internal/analyzer"
	"github.com/jkaninda/hesabu/internal/config"
	"github.com/jkaninda/hesabu/internal/gateway/httpapi"
	events "github.com/jkaninda/hesabu/internal/gateway/ws"
	"github.com/jkaninda/hesabu/internal/observability"
	"github.com/jkaninda/hesabu/internal/ratelimit"
	"github.com/jkaninda/hesabu/internal/registry"
	"github.com/jkaninda/hesabu/internal/runner"
	"github.com/jkaninda/hesabu/internal/sandbox"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `hesabu --config path` and `hesabu serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP API server with the session reaper, sandbox,
// and event feed wired in.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(serveConfigPath, logger)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	// Restore session records from the previous run.
	if err := sc.Sessions.Hydrate(ctx); err != nil {
		logger.Warn("session hydration failed", slog.String("error", err.Error()))
	}
	if m := obs.MetricsOrNil(); m != nil {
		m.ActiveSessions.Set(float64(sc.Sessions.Stats().ActiveSessions))
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	// Session reaper on the sweep schedule.
	reaper, err := registry.NewReaper(sc.Sessions, sc.Store, registry.ReaperConfig{
		TTL:      cfg.Session.TTL(),
		Schedule: cfg.Session.Schedule(),
	}, logger)
	if err != nil {
		return err
	}
	reaper.OnSweep(func(purged int) {
		limiter.Prune(cfg.Session.TTL())
		if m := obs.MetricsOrNil(); m != nil {
			m.SessionsPurgedTotal.Add(float64(purged))
			m.ActiveSessions.Set(float64(sc.Sessions.Stats().ActiveSessions))
		}
	})
	go reaper.Run(ctx)

	// Sandbox, instrumented when metrics or tracing are enabled.
	backend := cfg.Sandbox.BackendName()
	sbx := observability.NewInstrumentedSandbox(
		buildSandbox(cfg.Sandbox, logger),
		backend,
		obs.MetricsOrNil(),
		obs.TracerOrNil(),
	)
	logger.Info("sandbox initialized", slog.String("backend", backend))

	run := runner.New(sc.Store, sbx, cfg.Sandbox, logger)
	an := analyzer.New(cfg.LLM, logger)
	hub := events.NewHub(logger)

	// Readiness checks.
	var health *observability.HealthChecker
	if obs != nil && obs.Health != nil {
		health = obs.Health
		health.AddCheck("database", sc.Records.Ping)
		health.AddCheck("workspace", func(context.Context) error {
			_, statErr := os.Stat(sc.Store.Base())
			return statErr
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    cfg.Server.EnableDocs,
		MaxUploadSize: cfg.Server.MaxUploadSize(),
		ReadTimeout:   cfg.Server.ReadTimeout(),
		WriteTimeout:  cfg.Server.WriteTimeout(),
		HealthChecker: health,
	}
	if m := obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	var tracer trace.Tracer
	if ts := obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	gwCfg.Tracer = tracer

	gw := httpapi.NewGateway(gwCfg, sc.Sessions, sc.Store, run, an, limiter, logger).
		WithEventHub(hub)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// buildSandbox selects the execution backend from config.
func buildSandbox(cfg config.SandboxConfig, logger *slog.Logger) sandbox.Sandbox {
	switch cfg.BackendName() {
	case "docker":
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          cfg.Image,
			DefaultTimeout: cfg.ExecutionTimeout(),
			MemoryMB:       cfg.MaxMemoryMB,
			NetworkAllowed: cfg.NetworkAllowed,
		}, logger)
	default:
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.ExecutionTimeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.MaxExecutionSeconds,
				MaxMemoryMB:   cfg.MaxMemoryMB,
			},
		}, logger)
	}
}
