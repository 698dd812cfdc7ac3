// Package main is the entry point for the Weather Server: the single
// UDP endpoint clients talk to, proxying LocationReq/QueryReq/ReportReq to
// the Location, Query, and Report Servers.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/adminhttp"
	"github.com/wip-weather/wip-gateway/internal/clients"
	"github.com/wip-weather/wip-gateway/internal/config"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/cache"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/ratelimit"
	"github.com/wip-weather/wip-gateway/internal/middleware"
	"github.com/wip-weather/wip-gateway/internal/observability"
	"github.com/wip-weather/wip-gateway/internal/runtime"
	"github.com/wip-weather/wip-gateway/internal/services/weatherproxy"

	"github.com/go-redis/redis/v8"
)

func main() {
	cfg := config.LoadWeatherServerConfig()

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

	coordinateCache := buildCache(cfg.CoordinateCache, logger)
	weatherCache := buildCache(cfg.WeatherCache, logger)
	rateLimiter := buildRateLimiter(cfg, logger)

	// The proxy's outbound socket to its three backends is shared: one
	// ephemeral UDP connection, demultiplexed by packet_id via Demux.
	outbound, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		logger.Fatal("failed to open outbound backend socket", zap.Error(err))
	}
	demux := runtime.NewDemux(outbound, logger)
	go func() {
		if err := demux.Run(ctx, cfg.Server.UDPBufferSize); err != nil && ctx.Err() == nil {
			logger.Error("demux run loop exited", zap.Error(err))
		}
	}()

	backendTimeout := cfg.Server.ResponseTimeout
	locationAddr := &net.UDPAddr{IP: net.ParseIP(cfg.Location.Host), Port: cfg.Location.Port}
	queryAddr := &net.UDPAddr{IP: net.ParseIP(cfg.Query.Host), Port: cfg.Query.Port}
	reportAddr := &net.UDPAddr{IP: net.ParseIP(cfg.Report.Host), Port: cfg.Report.Port}

	clientSet := weatherproxy.Clients{
		Location: clients.NewLocationClient(locationAddr, demux, backendTimeout, logger),
		Query:    clients.NewQueryClient(queryAddr, demux, backendTimeout, logger),
		Report:   clients.NewReportClient(reportAddr, demux, backendTimeout, logger),
	}

	handler := weatherproxy.New(cfg, clientSet, coordinateCache, weatherCache, rateLimiter, logger, telemetry)

	dispatcher, err := runtime.NewDispatcher(runtime.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		MaxWorkers:      cfg.Server.MaxWorkers,
		BufferSize:      cfg.Server.UDPBufferSize,
		ResponseTimeout: cfg.Server.ResponseTimeout,
	}, handler.Handle, nil, logger)
	if err != nil {
		logger.Fatal("failed to bind weather server socket", zap.Error(err))
	}

	go func() {
		logger.Info("weather server listening", zap.String("addr", dispatcher.LocalAddr().String()))
		if err := dispatcher.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher serve loop exited", zap.Error(err))
		}
	}()

	admin := adminhttp.New(":"+cfg.Observability.MetricsPort, "weather-server", dispatcher.Stats(), logger)
	go func() {
		if err := admin.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server exited", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	dispatcher.Close()
	outbound.Close()
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

// buildCache follows the teacher's Redis-first, in-process-fallback
// pattern from app.go's initRedisServices, generalized to either of the
// proxy's two caches.
func buildCache(cfg config.CacheConfig, logger *zap.Logger) ports.CacheService {
	if cfg.RedisEnabled {
		redisCache, err := cache.NewRedisCache(cache.Config{Addr: cfg.RedisAddr}, logger)
		if err == nil {
			return redisCache
		}
		logger.Warn("redis cache unavailable, falling back to in-process cache", zap.Error(err))
	}
	if cfg.Capacity > 0 {
		lru, err := cache.NewLRUCache(cfg.Capacity, logger)
		if err == nil {
			return lru
		}
		logger.Warn("lru cache construction failed, falling back to unbounded in-process cache", zap.Error(err))
	}
	return cache.NewMemoryCache(cfg.TTL, 2*cfg.TTL, logger)
}

func buildRateLimiter(cfg *config.WeatherServerConfig, logger *zap.Logger) ports.RateLimitService {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.CoordinateCache.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unavailable for rate limiting, falling back to in-process limiter", zap.Error(err))
		return middleware.NewMemoryRateLimiter(logger)
	}
	return ratelimit.NewRedisRateLimiter(redisClient, logger)
}

func waitForShutdown(logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
}
