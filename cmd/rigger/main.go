package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"Rigger/internal/api"
	"Rigger/internal/config"
	"Rigger/internal/fleet"
	"Rigger/internal/health"
	"Rigger/internal/leaderelection"
	"Rigger/internal/metrics"
	"Rigger/internal/platform"
	"Rigger/internal/provider"
	"Rigger/internal/provider/docker"
	"Rigger/internal/provider/ec2"
	"Rigger/internal/registry"
	"Rigger/internal/router"
	"Rigger/internal/scaler"
	"Rigger/internal/status"
	"Rigger/internal/token"

	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting rigger",
		"version", version,
		"provider", cfg.Provider.Type,
		"pools", len(cfg.Pools),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	promReg := prometheus.NewRegistry()
	met := metrics.NewMetrics(promReg)
	met.ControllerInfo.WithLabelValues(version, cfg.Provider.Type).Set(1)

	bus := status.NewBus()
	metrics.RegisterStatusDropped(promReg, bus.Dropped)

	reg, err := registry.Open(cfg.Store.Path, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	for _, p := range cfg.Pools {
		if err := reg.EnsurePool(fleet.Pool{
			Repo:             p.Repo,
			DedicatedCount:   p.DedicatedCount,
			DynamicCeiling:   p.DynamicCeiling,
			ScaleUpThreshold: p.ScaleUpThreshold,
			IdleTimeout:      p.IdleTimeout,
			Cooldown:         p.Cooldown,
			Labels:           p.Labels,
			BlockedKinds:     p.BlockedKinds,
		}); err != nil {
			return fmt.Errorf("failed to register pool %s: %w", p.Repo, err)
		}
	}

	driver, err := createDriver(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}
	defer driver.Close()

	platformClient := platform.NewClient(
		cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.RequestTimeout, logger)

	tokens := token.NewManager(
		reg, platformClient,
		cfg.Token.RefreshFraction, cfg.Token.MaxRetries, cfg.Token.BackoffBase,
		met, logger)
	defer tokens.Stop()

	engine := scaler.New(
		cfg.Scaling.Interval, cfg.Provider.Image,
		reg, driver, platformClient, tokens, met, logger)
	tokens.SetRecreater(engine)

	supervisor := health.NewSupervisor(
		reg, platformClient, engine,
		cfg.Health.HeartbeatInterval, cfg.Health.MissThreshold, cfg.Health.RecoveryAttempts,
		met, logger)

	jobRouter := router.NewRouter(
		reg, platformClient, engine, cfg.Router.DrainInterval, met, logger)

	apiServer := api.New(cfg, reg, driver, promReg, logger)
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	elector := leaderelection.New(leaderelection.Config{
		Enabled:      cfg.LeaderElection.Enabled,
		LockFilePath: cfg.LeaderElection.LockFilePath,
		RetryPeriod:  cfg.LeaderElection.RetryPeriod,
	}, met, logger)

	// The elector hands the start callback a leadership-scoped context;
	// losing the lock cancels it, stopping every control loop.
	errCh := make(chan error, 1)
	go func() {
		errCh <- elector.Run(ctx,
			func(leadCtx context.Context) {
				logger.Info("became leader, starting control loops")
				if err := engine.EnsureDedicated(leadCtx); err != nil {
					logger.Error("dedicated bootstrap failed", "error", err)
				}
				go func() {
					if err := supervisor.Run(leadCtx); err != nil && leadCtx.Err() == nil {
						logger.Error("health supervisor error", "error", err)
					}
				}()
				go func() {
					if err := jobRouter.Drain(leadCtx); err != nil && leadCtx.Err() == nil {
						logger.Error("drain loop error", "error", err)
					}
				}()
				if err := engine.Run(leadCtx); err != nil && leadCtx.Err() == nil {
					logger.Error("scaler error", "error", err)
				}
			},
			func(ctx context.Context) {
				logger.Info("stopped being leader")
			},
		)
	}()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func createDriver(cfg *config.Config, logger *slog.Logger) (provider.Driver, error) {
	switch cfg.Provider.Type {
	case "docker":
		return docker.New(cfg.Provider.Docker, logger)
	case "ec2":
		return ec2.New(cfg.Provider.AWS, logger)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
