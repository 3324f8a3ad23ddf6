package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tandemtools/standman/internal/adapters/agent"
	"github.com/tandemtools/standman/internal/adapters/docker"
	standhttp "github.com/tandemtools/standman/internal/adapters/http"
	"github.com/tandemtools/standman/internal/config"
	"github.com/tandemtools/standman/internal/core/engine"
	"github.com/tandemtools/standman/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
)

func main() {
	kingpin.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// A present but broken config file must never be papered
			// over with defaults.
			log.Fatalf("Failed to load config: %v", err)
		}
		// No config file is fine: defaults plus environment carry the
		// whole configuration.
		cfg = &config.Config{}
		cfg.SetDefaults()
		cfg.ApplyEnvOverrides()
	}
	if *listenAddress != "" {
		cfg.ListenAddress = *listenAddress
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	slog := logger.Sugar()

	dockerAdapter, err := docker.NewAdapter()
	if err != nil {
		slog.Fatalw("failed to initialize docker adapter", "error", err)
	}
	agentClient := agent.NewClient(dockerAdapter, slog.Named("agent"))

	eng := engine.New(dockerAdapter, agentClient, engine.Options{
		DomainName:        cfg.DomainName,
		Image:             cfg.Image,
		MaxActiveStands:   cfg.MaxActiveStands,
		StopTimeout:       time.Duration(*cfg.StopTimeout) * time.Minute,
		ReconcileInterval: time.Duration(cfg.ReconcileInterval) * time.Second,
	}, slog.Named("engine"), metrics.New(prometheus.DefaultRegisterer))
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	standhttp.NewStandHandler(eng, slog.Named("http")).RegisterRoutes(app)
	app.Get(*telemetryPath, adaptor.HTTPHandler(promhttp.Handler()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Infow("received shutdown signal, shutting down")
		cancel()
		_ = app.Shutdown()
	}()

	slog.Infow("server starting", "address", cfg.ListenAddress, "image", cfg.Image)
	if err := app.Listen(cfg.ListenAddress); err != nil {
		slog.Fatalw("server failed", "error", err)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
