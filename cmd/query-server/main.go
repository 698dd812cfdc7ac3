// Package main is the entry point for the Query Server: serves cached
// per-area weather documents and runs the background refresh schedule.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/adminhttp"
	"github.com/wip-weather/wip-gateway/internal/authutil"
	"github.com/wip-weather/wip-gateway/internal/config"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/documentstore"
	"github.com/wip-weather/wip-gateway/internal/observability"
	"github.com/wip-weather/wip-gateway/internal/runtime"
	"github.com/wip-weather/wip-gateway/internal/services/query"
)

// noopRefreshTrigger logs and no-ops every call. The JMA-style ingestion
// pipeline that actually repopulates the document store is an out-of-scope
// external collaborator (§1, §6.2); this stub is the wiring point a real
// deployment replaces with a client for that service.
type noopRefreshTrigger struct{ logger *zap.Logger }

func (n noopRefreshTrigger) RefreshDisaster(ctx context.Context, areaCode uint32) error {
	n.logger.Debug("disaster refresh requested but no ingestion collaborator is configured", zap.Uint32("area_code", areaCode))
	return nil
}

func (n noopRefreshTrigger) RefreshAlert(ctx context.Context, areaCode uint32) error {
	n.logger.Debug("alert refresh requested but no ingestion collaborator is configured", zap.Uint32("area_code", areaCode))
	return nil
}

func (n noopRefreshTrigger) RefreshWeather(ctx context.Context) error {
	n.logger.Debug("daily weather refresh fired but no ingestion collaborator is configured")
	return nil
}

var _ ports.RefreshTrigger = noopRefreshTrigger{}

func main() {
	cfg := config.LoadQueryServerConfig()

	logger, err := observability.NewLogger(cfg.Observability.Environment)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := observability.InitTelemetry(ctx, observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry, continuing without it", zap.Error(err))
	}

	documents, err := documentstore.New(documentstore.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to document store", zap.Error(err))
	}

	refresh := noopRefreshTrigger{logger: logger}

	handler := query.New(documents, refresh, cfg.DisasterStaleness, cfg.AlertStaleness, logger, telemetry)

	scheduler := query.NewScheduler(refresh, cfg.WeatherUpdateTimes, cfg.SkipRetryInterval, clockwork.NewRealClock(), logger)
	go scheduler.Run(ctx)

	var authCheck runtime.AuthValidator
	if cfg.Auth.Enabled {
		authCheck = authutil.NewValidator(cfg.Auth)
	}

	dispatcher, err := runtime.NewDispatcher(runtime.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		MaxWorkers:      cfg.Server.MaxWorkers,
		BufferSize:      cfg.Server.UDPBufferSize,
		ResponseTimeout: cfg.Server.ResponseTimeout,
	}, handler.Handle, authCheck, logger)
	if err != nil {
		logger.Fatal("failed to bind query server socket", zap.Error(err))
	}

	go func() {
		logger.Info("query server listening", zap.String("addr", dispatcher.LocalAddr().String()))
		if err := dispatcher.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher serve loop exited", zap.Error(err))
		}
	}()

	admin := adminhttp.New(":"+cfg.Observability.MetricsPort, "query-server", dispatcher.Stats(), logger)
	go func() {
		if err := admin.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server exited", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	dispatcher.Close()
	shutdownAdminCtx, shutdownAdminCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := admin.Shutdown(shutdownAdminCtx); err != nil {
		logger.Error("failed to shut down admin http server", zap.Error(err))
	}
	shutdownAdminCancel()
	if telemetry != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", zap.Error(err))
		}
	}
}

func waitForShutdown(logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
}
