// Package geometry implements the Location Server's point-in-polygon
// resolver over a PostGIS-backed area_polygons table.
package geometry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
)

// Config holds the connection-pool settings for the geometry store.
type Config struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	Database              string
	SSLMode               string
	MaxConnections        int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
}

// PostgresGeometryStore resolves (lon, lat) coordinates to the smallest
// enclosing area polygon, grounded on ST_Contains over a GIST index.
type PostgresGeometryStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens the connection pool, pings it, and runs pending migrations.
func New(cfg Config, logger *zap.Logger) (*PostgresGeometryStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("geometry store: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("geometry store: ping failed: %w", err)
	}

	store := &PostgresGeometryStore{db: db, logger: logger}

	if err := RunMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("geometry store: migrations failed: %w", err)
	}

	return store, nil
}

// ResolveAreaCode returns the smallest area polygon containing the given
// coordinates, preferring the most specific (smallest-area) match when
// polygons are nested (e.g. a ward inside a prefecture).
func (s *PostgresGeometryStore) ResolveAreaCode(ctx context.Context, lon, lat float64) (*domain.AreaRecord, error) {
	tracer := otel.Tracer("geometry")
	ctx, span := tracer.Start(ctx, "GeometryStore.ResolveAreaCode")
	defer span.End()
	span.SetAttributes(attribute.Float64("lon", lon), attribute.Float64("lat", lat))

	const query = `
		SELECT area_code, name
		FROM area_polygons
		WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		ORDER BY ST_Area(geom) ASC
		LIMIT 1`

	var rec domain.AreaRecord
	var areaCode int64
	err := s.db.QueryRowContext(ctx, query, lon, lat).Scan(&areaCode, &rec.Name)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("resolved", false))
		return nil, fmt.Errorf("geometry store: no area contains (%.6f, %.6f): %w", lon, lat, ports.ErrCacheMiss)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("geometry store: query failed: %w", err)
	}

	rec.Code = uint32(areaCode)
	return &rec, nil
}

// Close closes the connection pool.
func (s *PostgresGeometryStore) Close() error {
	return s.db.Close()
}
