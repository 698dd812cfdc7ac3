// Package location implements the Location Server's handler (§4.3): a
// point-in-polygon lookup with its own unbounded, lazily-expiring
// coordinate cache in front of the geometry store.
package location

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/observability"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

// Handler implements the Location Server's single request type as a
// runtime.Handler.
type Handler struct {
	geometry  ports.GeometryStore
	cache     ports.CacheService
	cacheTTL  time.Duration
	logger    *zap.Logger
	telemetry *observability.Telemetry
}

// New builds the Location Server's handler. cacheTTL bounds how long a
// resolved area code is trusted before the geometry store is consulted
// again; the cache itself carries no capacity bound per §4.3.
func New(geometryStore ports.GeometryStore, cache ports.CacheService, cacheTTL time.Duration, logger *zap.Logger, telemetry *observability.Telemetry) *Handler {
	return &Handler{geometry: geometryStore, cache: cache, cacheTTL: cacheTTL, logger: logger, telemetry: telemetry}
}

// Handle resolves a LocationReq's coordinates to an area code, consulting
// the coordinate cache before falling back to the geometry store.
func (h *Handler) Handle(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	if req.Header.Type != protocol.TypeLocationReq {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket),
			"location server only accepts location requests", nil)
	}

	lat, lon, ok := req.ExtendedField.Coordinates()
	if !ok {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "missing lat/lon extended fields", nil)
	}
	coords := domain.Coordinates{Latitude: lat, Longitude: lon}
	if err := coords.Validate(); err != nil {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "invalid coordinates", err)
	}

	key := coords.CacheKey()
	if raw, err := h.cache.Get(ctx, key); err == nil {
		if areaCode, perr := protocol.ParseAreaCode(string(raw)); perr == nil {
			h.recordCacheHit(ctx)
			return h.buildResp(req, areaCode), nil
		}
	}
	h.recordCacheMiss(ctx)

	record, err := h.geometry.ResolveAreaCode(ctx, lon, lat)
	if err != nil {
		if errors.Is(err, ports.ErrCacheMiss) {
			return nil, domain.NewWireError(uint16(protocol.ErrMissingArea), "no area contains the given coordinates", err)
		}
		h.logger.Error("geometry store lookup failed", zap.Error(err))
		return nil, domain.NewWireError(uint16(protocol.ErrLocationInternal), "geometry store lookup failed", err)
	}

	if err := h.cache.Set(ctx, key, []byte(protocol.AreaCodeString(record.Code)), h.cacheTTL); err != nil {
		h.logger.Warn("coordinate cache set failed", zap.Error(err))
	}

	return h.buildResp(req, record.Code), nil
}

func (h *Handler) buildResp(req *protocol.Packet, areaCode uint32) *protocol.Packet {
	ef := req.ExtendedField.Without(protocol.KeySource)
	return &protocol.Packet{
		Header: protocol.Header{
			Version:   protocol.ProtocolVersion,
			PacketID:  req.Header.PacketID,
			Type:      protocol.TypeLocationResp,
			Day:       req.Header.Day,
			Timestamp: req.Header.Timestamp,
			AreaCode:  areaCode,
			ExFlag:    len(ef.Records) > 0,
		},
		ExtendedField: ef,
	}
}

func (h *Handler) recordCacheHit(ctx context.Context) {
	if h.telemetry != nil {
		h.telemetry.RecordCacheHit(ctx, "location-coordinate")
	}
}

func (h *Handler) recordCacheMiss(ctx context.Context) {
	if h.telemetry != nil {
		h.telemetry.RecordCacheMiss(ctx, "location-coordinate")
	}
}
