// Package ports defines the interfaces that connect the core domain with
// external systems — caches, the document store, the geometry store, the
// report log, and rate limiting — following the Dependency Inversion
// Principle so the service layer stays independent of storage technology.
package ports

import (
	"context"
	"net"
	"time"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

// CacheService is a generic byte-value cache, implemented by both an
// in-process cache (patrickmn/go-cache, hashicorp/golang-lru/v2) and a
// Redis-backed cache, used for the coordinate cache and the weather cache.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// ErrCacheMiss is returned by CacheService.Get when a key is absent or
// expired.
var ErrCacheMiss = cacheMissError{}

type cacheMissError struct{}

func (cacheMissError) Error() string { return "cache: key not found" }

// RateLimitService bounds admissions per source identifier (typically the
// client's IP) before a datagram is decoded.
type RateLimitService interface {
	Allow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error)
	Reset(ctx context.Context, identifier string) error
}

// DocumentStore is the Query Server's backing KV store: get/set over
// "weather:<area_code>" documents plus the pulldatetime singletons.
type DocumentStore interface {
	GetWeatherDocument(ctx context.Context, areaCode uint32) (*domain.WeatherDocument, error)
	SetWeatherDocument(ctx context.Context, doc *domain.WeatherDocument) error
	GetPullDatetime(ctx context.Context, key string) (time.Time, error)
	SetPullDatetime(ctx context.Context, key string, at time.Time) error
}

// GeometryStore is the Location Server's backing point-in-polygon
// resolver.
type GeometryStore interface {
	ResolveAreaCode(ctx context.Context, lon, lat float64) (*domain.AreaRecord, error)
}

// ReportLog is the Report Server's per-area append-only persistence layer.
type ReportLog interface {
	Append(ctx context.Context, report domain.SensorReport) error
}

// RefreshTrigger is the out-of-scope JMA-style ingestion collaborator the
// Query Server calls when a document's pulldatetime is stale, and that its
// scheduler calls on the daily weather refresh cycle. Its implementation
// lives outside this module; only the interface the Query Server depends
// on is specified here.
type RefreshTrigger interface {
	RefreshDisaster(ctx context.Context, areaCode uint32) error
	RefreshAlert(ctx context.Context, areaCode uint32) error

	// RefreshWeather re-pulls the full weather document set for every
	// known area, driven by the Query Server's daily schedule rather than
	// a single request's staleness check.
	RefreshWeather(ctx context.Context) error
}

// BackendClient is the shared shape of the three backend stubs the
// Weather Server proxy holds: send a packet to a backend and wait for its
// correlated reply, or time out.
type BackendClient interface {
	Forward(ctx context.Context, p protocol.Packet) (*protocol.Packet, error)
}

// Waiter is one in-flight demux registration on a shared socket: the
// dispatcher delivers a matching reply here, or the waiter's deadline
// fires first.
type Waiter interface {
	Deliver(p protocol.Packet)
	Addr() net.Addr
}
