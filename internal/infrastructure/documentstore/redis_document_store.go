// Package documentstore implements the Query Server's backing store: a
// Redis-keyed document per area code plus the pulldatetime singletons that
// drive disaster/alert staleness checks.
package documentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
)

const documentKeyPrefix = "weather:"

// RedisDocumentStore implements ports.DocumentStore over a shared Redis
// instance, the same client shape RedisCache uses for the weather cache.
type RedisDocumentStore struct {
	client *redis.Client
	logger *zap.Logger
}

// Config holds the Redis connection settings for the document store.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a document store backed by Redis, verifying connectivity
// with a ping before returning.
func New(cfg Config, logger *zap.Logger) (ports.DocumentStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("document store: ping failed: %w", err)
	}

	return &RedisDocumentStore{client: rdb, logger: logger}, nil
}

func documentKey(areaCode uint32) string {
	return fmt.Sprintf("%s%06d", documentKeyPrefix, areaCode)
}

// GetWeatherDocument fetches and decodes the document for an area code.
// It returns redis.Nil wrapped as a not-found error when absent; the Query
// Server treats that as "no document yet" and triggers a refresh.
func (s *RedisDocumentStore) GetWeatherDocument(ctx context.Context, areaCode uint32) (*domain.WeatherDocument, error) {
	tracer := otel.Tracer("documentstore")
	ctx, span := tracer.Start(ctx, "DocumentStore.GetWeatherDocument")
	defer span.End()
	span.SetAttributes(attribute.Int64("area_code", int64(areaCode)))

	raw, err := s.client.Get(ctx, documentKey(areaCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("documentstore: no document for area %06d: %w", areaCode, ports.ErrCacheMiss)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("documentstore: get failed: %w", err)
	}

	var doc domain.WeatherDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("documentstore: decode failed: %w", err)
	}
	return &doc, nil
}

// SetWeatherDocument encodes and stores a document with no expiry; the
// Query Server refresh cycle is the sole writer and rewrites it in place.
func (s *RedisDocumentStore) SetWeatherDocument(ctx context.Context, doc *domain.WeatherDocument) error {
	tracer := otel.Tracer("documentstore")
	ctx, span := tracer.Start(ctx, "DocumentStore.SetWeatherDocument")
	defer span.End()
	span.SetAttributes(attribute.Int64("area_code", int64(doc.AreaCode)))

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("documentstore: encode failed: %w", err)
	}

	if err := s.client.Set(ctx, documentKey(doc.AreaCode), raw, 0).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("documentstore: set failed: %w", err)
	}
	return nil
}

// GetPullDatetime reads one of the singleton pulldatetime keys
// ("alert_pulldatetime:<area>", "disaster_pulldatetime:<area>").
func (s *RedisDocumentStore) GetPullDatetime(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, fmt.Errorf("documentstore: no pulldatetime for %s: %w", key, ports.ErrCacheMiss)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("documentstore: get pulldatetime failed: %w", err)
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("documentstore: malformed pulldatetime for %s: %w", key, err)
	}
	return t, nil
}

// SetPullDatetime stamps a pulldatetime key, read back by GetPullDatetime
// on the next staleness check.
func (s *RedisDocumentStore) SetPullDatetime(ctx context.Context, key string, at time.Time) error {
	if err := s.client.Set(ctx, key, at.Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("documentstore: set pulldatetime failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisDocumentStore) Close() error {
	return s.client.Close()
}
