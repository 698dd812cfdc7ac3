// Package main is the entry point for the Location Server: a
// point-in-polygon resolver turning (lat, lon) into a 6-digit area code.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/adminhttp"
	"github.com/wip-weather/wip-gateway/internal/authutil"
	"github.com/wip-weather/wip-gateway/internal/config"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/cache"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/geometry"
	"github.com/wip-weather/wip-gateway/internal/observability"
	"github.com/wip-weather/wip-gateway/internal/runtime"
	"github.com/wip-weather/wip-gateway/internal/services/location"
)

func main() {
	cfg := config.LoadLocationServerConfig()

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

	store, err := geometry.New(geometry.Config{
		Host:                  cfg.Database.Host,
		Port:                  cfg.Database.Port,
		User:                  cfg.Database.User,
		Password:              cfg.Database.Password,
		Database:              cfg.Database.Database,
		SSLMode:               cfg.Database.SSLMode,
		MaxConnections:        cfg.Database.MaxConnections,
		MaxIdleConnections:    cfg.Database.MaxIdleConnections,
		ConnectionMaxLifetime: cfg.Database.ConnectionMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to geometry store", zap.Error(err))
	}
	defer store.Close()

	coordinateCache := cache.NewMemoryCache(cfg.CoordinateCache.TTL, 2*cfg.CoordinateCache.TTL, logger)

	handler := location.New(store, coordinateCache, cfg.CoordinateCache.TTL, logger, telemetry)

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
		logger.Fatal("failed to bind location server socket", zap.Error(err))
	}

	go func() {
		logger.Info("location server listening", zap.String("addr", dispatcher.LocalAddr().String()))
		if err := dispatcher.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher serve loop exited", zap.Error(err))
		}
	}()

	admin := adminhttp.New(":"+cfg.Observability.MetricsPort, "location-server", dispatcher.Stats(), logger)
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
