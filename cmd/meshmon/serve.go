package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshmon/internal/api"
	"meshmon/internal/app"
	"meshmon/internal/config"
	"meshmon/internal/decode"
	"meshmon/internal/hop"
	"meshmon/internal/mqtt"
	"meshmon/internal/observability"
	"meshmon/internal/pipeline"
	"meshmon/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	db, err := storage.Open(cfg.DatabaseFile,
		storage.WithDBLogger(logger.With(slog.String("component", "storage"))),
		storage.WithDBMetrics(metrics),
		storage.WithMaintenanceInterval(time.Duration(cfg.MaintenanceInterval)*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("database close error", slog.Any("error", err))
		}
	}()
	db.StartMaintenance(ctx)

	store, err := storage.NewStore(db,
		storage.StoreConfig{
			MaxMessages:     cfg.MessageCacheSize,
			HydrateMessages: cfg.StartupMessageLoad,
		},
		storage.WithStoreLogger(logger.With(slog.String("component", "store"))),
		storage.WithStoreMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if cfg.SelfLatitude != nil && cfg.SelfLongitude != nil {
		store.SetSelfPosition(*cfg.SelfLatitude, *cfg.SelfLongitude)
	}

	estimator := hop.New(
		hop.Config{DefaultMaxHops: cfg.DefaultMaxHops},
		hop.WithLogger(logger.With(slog.String("component", "hop"))),
		hop.WithMetrics(metrics),
	)

	client, err := mqtt.NewClient(app.BuildMQTTConfig(cfg),
		mqtt.WithLogger(logger.With(slog.String("component", "mqtt"))),
		mqtt.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("init mqtt client: %w", err)
	}

	decoder := decode.NewEnvelopeDecoder(decode.EnvelopeConfig{StoreRaw: cfg.StoreRawPayload})

	pipe := pipeline.New(client, decoder, estimator, store,
		pipeline.WithLogger(logger.With(slog.String("component", "pipeline"))),
		pipeline.WithMetrics(metrics),
		pipeline.WithRetention(cfg.RetentionDays, time.Duration(cfg.RetentionIntervalMin)*time.Minute),
	)

	obsServer := observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  logger.With(slog.String("component", "observability")),
		Metrics: metrics,
	})
	go obsServer.Run(ctx)

	apiServer := &http.Server{
		Addr: cfg.APIListenAddress,
		Handler: api.NewHandler(api.Deps{
			Store:     store,
			Estimator: estimator,
			Logger:    logger.With(slog.String("component", "api")),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", slog.Any("error", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown error", slog.Any("error", err))
		}
	}()

	go func() {
		for err := range pipe.Errors() {
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error("pipeline error", slog.Any("error", err))
		}
	}()

	metrics.MarkHealthy()
	logger.Info("meshmon starting",
		slog.String("broker", fmt.Sprintf("%s:%d", cfg.MQTTBrokerAddress, cfg.MQTTPort)),
		slog.String("api_address", cfg.APIListenAddress),
		slog.String("observability_address", cfg.ObservabilityAddress),
	)

	if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pipeline stopped: %w", err)
	}

	logger.Info("meshmon stopped")
	return nil
}
