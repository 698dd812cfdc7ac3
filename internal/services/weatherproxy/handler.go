// Package weatherproxy implements the Weather Server's handler matrix
// (§4.2): the single public-facing role that takes LocationReq/QueryReq/
// ReportReq from a client, consults its two caches, and forwards whatever
// the caches can't answer to the Location, Query, and Report backends over
// a shared outbound socket. The Type-1/3/5/7 replies those backends send
// back are never separate dispatcher entries here — they're the direct
// return value of the synchronous Forward call inside the matching
// request handler, since the specification leaves the choice between a
// synchronous and an asynchronous proxy design open and a synchronous
// design needs no server-side correlation table beyond the shared Demux.
package weatherproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/authutil"
	"github.com/wip-weather/wip-gateway/internal/config"
	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/circuitbreaker"
	"github.com/wip-weather/wip-gateway/internal/observability"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

// Clients groups the three backend stubs the proxy forwards to.
type Clients struct {
	Location ports.BackendClient
	Query    ports.BackendClient
	Report   ports.BackendClient
}

// Handler implements the Weather Server's request/response logic as a
// runtime.Handler. It holds no per-request state; everything that
// survives a request lives in its two caches.
type Handler struct {
	cfg     *config.WeatherServerConfig
	clients Clients

	coordinateCache ports.CacheService
	weatherCache    ports.CacheService

	breakers    *circuitbreaker.Manager
	rateLimiter ports.RateLimitService

	logger    *zap.Logger
	telemetry *observability.Telemetry

	nextID uint32
}

// New builds the Weather Server's handler. rateLimiter may be nil when
// cfg.RateLimit.Enabled is false; telemetry may be nil in tests.
func New(cfg *config.WeatherServerConfig, clients Clients, coordinateCache, weatherCache ports.CacheService, rateLimiter ports.RateLimitService, logger *zap.Logger, telemetry *observability.Telemetry) *Handler {
	return &Handler{
		cfg:             cfg,
		clients:         clients,
		coordinateCache: coordinateCache,
		weatherCache:    weatherCache,
		breakers:        circuitbreaker.NewManager(logger),
		rateLimiter:     rateLimiter,
		logger:          logger,
		telemetry:       telemetry,
	}
}

// Handle is the runtime.Handler entry point the dispatcher calls for every
// decoded request addressed to the Weather Server.
func (h *Handler) Handle(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	if h.rateLimiter != nil && h.cfg.RateLimit.Enabled {
		allowed, err := h.rateLimiter.Allow(ctx, addr.IP.String(), h.cfg.RateLimit.RPS, h.cfg.RateLimit.Window)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, admitting request", zap.Error(err))
		} else if !allowed {
			// No wire error code in the taxonomy covers admission control;
			// the dispatcher answers this plain error with a generic Type-7
			// internal error (530).
			return nil, fmt.Errorf("weatherproxy: rate limit exceeded for %s", addr.IP.String())
		}
	}

	switch req.Header.Type {
	case protocol.TypeLocationReq:
		return h.handleLocationReq(ctx, req, addr)
	case protocol.TypeQueryReq:
		return h.handleQueryReq(ctx, req, addr)
	case protocol.TypeReportReq:
		return h.handleReportReq(ctx, req, addr)
	default:
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket),
			fmt.Sprintf("weather server does not accept packet type %d", req.Header.Type), nil)
	}
}

// handleLocationReq implements §4.2's LocationReq and LocationResp rows: a
// coordinate cache hit resolves the area code without contacting the
// Location Server; a miss forwards to it and populates the cache from its
// reply. Either way, resolving an area code is only the internal hop the
// reference implementation's asynchronous handlers split across Type 0 and
// Type 1 (`_handle_location_response` in
// original_source/WIP_Server/servers/weather_server/handlers.py always
// queries weather data after resolving the area and never replies with a
// bare location response) — this synchronous handler continues straight
// into the same weather-cache-check-then-forward logic `handleQueryReq`
// uses, and returns that Type-3 QueryResp to the client.
func (h *Handler) handleLocationReq(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	lat, lon, ok := req.ExtendedField.Coordinates()
	if !ok {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "location request missing lat/lon extended fields", nil)
	}
	coords := domain.Coordinates{Latitude: lat, Longitude: lon}
	if err := coords.Validate(); err != nil {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "invalid coordinates", err)
	}

	cacheKey := coords.CacheKey()
	var areaCode uint32
	if raw, err := h.coordinateCache.Get(ctx, cacheKey); err == nil {
		if parsed, perr := protocol.ParseAreaCode(string(raw)); perr == nil {
			h.recordCacheHit(ctx, "coordinate")
			areaCode = parsed
		}
	}

	if areaCode == 0 {
		h.recordCacheMiss(ctx, "coordinate")

		backendReq := protocol.Packet{
			Header: protocol.Header{
				Version:   protocol.ProtocolVersion,
				Type:      protocol.TypeLocationReq,
				Day:       req.Header.Day,
				Timestamp: req.Header.Timestamp,
			},
			ExtendedField: req.ExtendedField,
		}

		resp, err := h.forward(ctx, addr, h.clients.Location, "location", h.cfg.LocationAuth, backendReq)
		if err != nil {
			return nil, domain.NewWireError(uint16(protocol.ErrForwardLocation), "location server forward failed", err)
		}
		if werr := backendError(resp, "location server"); werr != nil {
			return nil, werr
		}

		areaCode = resp.Header.AreaCode
		if err := h.coordinateCache.Set(ctx, cacheKey, []byte(protocol.AreaCodeString(areaCode)), h.cfg.CoordinateCache.TTL); err != nil {
			h.logger.Warn("coordinate cache set failed", zap.Error(err))
		}
	}

	return h.resolveWeather(ctx, addr, req, areaCode)
}

// cachedSnapshot is the weather cache's stored value. The proxy always
// forwards a QueryReq with every data flag set, regardless of what the
// client actually asked for, so a single cached entry per (area, day)
// can answer any later request for a subset of its fields — the cache
// short-circuit correctness rule from §4.2.
type cachedSnapshot struct {
	Flags       uint8    `json:"flags"`
	Weather     uint16   `json:"weather"`
	Temperature int8     `json:"temperature"`
	Pop         uint8    `json:"pop"`
	Alerts      []string `json:"alerts,omitempty"`
	Disasters   []string `json:"disasters,omitempty"`
}

var fullFlags = domain.Flags{Weather: true, Temperature: true, Pop: true, Alert: true, Disaster: true}

func bitmapToFlags(b uint8) domain.Flags {
	return domain.Flags{
		Weather:     b&(1<<0) != 0,
		Temperature: b&(1<<1) != 0,
		Pop:         b&(1<<2) != 0,
		Alert:       b&(1<<3) != 0,
		Disaster:    b&(1<<4) != 0,
	}
}

// handleQueryReq implements §4.2's QueryReq path against the weather
// cache, forwarding to the Query Server only on a miss or a stale subset.
func (h *Handler) handleQueryReq(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	if req.Header.AreaCode == 0 {
		return nil, domain.NewWireError(uint16(protocol.ErrMissingArea), "query request has no area code", nil)
	}

	reqFlags := domain.Flags{
		Weather:     req.Header.WeatherFlag,
		Temperature: req.Header.TemperatureFlag,
		Pop:         req.Header.PopFlag,
		Alert:       req.Header.AlertFlag,
		Disaster:    req.Header.DisasterFlag,
	}
	if reqFlags.Bitmap() == 0 {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "query request has no data flags set", nil)
	}

	return h.resolveWeather(ctx, addr, req, req.Header.AreaCode)
}

// resolveWeather answers a request's data flags for areaCode/day from the
// weather cache, forwarding to the Query Server on a miss or a stale
// subset, and returns the Type-3 QueryResp either way. It is shared by
// handleQueryReq (areaCode already on the request) and handleLocationReq
// (areaCode just resolved from the coordinate cache or the Location
// Server), since both paths end at the same §4.2 QueryReq row once an
// area code is known.
func (h *Handler) resolveWeather(ctx context.Context, addr *net.UDPAddr, req *protocol.Packet, areaCode uint32) (*protocol.Packet, error) {
	reqFlags := domain.Flags{
		Weather:     req.Header.WeatherFlag,
		Temperature: req.Header.TemperatureFlag,
		Pop:         req.Header.PopFlag,
		Alert:       req.Header.AlertFlag,
		Disaster:    req.Header.DisasterFlag,
	}

	fp := domain.Fingerprint{AreaCode: areaCode, Flags: fullFlags.Bitmap(), Day: req.Header.Day}

	if raw, err := h.weatherCache.Get(ctx, fp.CacheKey()); err == nil {
		var cached cachedSnapshot
		if jerr := json.Unmarshal(raw, &cached); jerr == nil && reqFlags.IsSubsetOf(bitmapToFlags(cached.Flags)) {
			h.recordCacheHit(ctx, "weather")
			return h.buildQueryResp(req, areaCode, cached, reqFlags), nil
		}
	}
	h.recordCacheMiss(ctx, "weather")

	backendReq := protocol.Packet{
		Header: protocol.Header{
			Version:         protocol.ProtocolVersion,
			Type:            protocol.TypeQueryReq,
			AreaCode:        areaCode,
			Day:             req.Header.Day,
			Timestamp:       req.Header.Timestamp,
			WeatherFlag:     true,
			TemperatureFlag: true,
			PopFlag:         true,
			AlertFlag:       true,
			DisasterFlag:    true,
		},
		ExtendedField: req.ExtendedField,
	}

	resp, err := h.forward(ctx, addr, h.clients.Query, "query", h.cfg.QueryAuth, backendReq)
	if err != nil {
		return nil, domain.NewWireError(uint16(protocol.ErrForwardQuery), "query server forward failed", err)
	}
	if werr := backendError(resp, "query server"); werr != nil {
		return nil, werr
	}

	cached := cachedSnapshot{
		Flags:       fullFlags.Bitmap(),
		Weather:     resp.WeatherCode,
		Temperature: resp.Temperature,
		Pop:         resp.Pop,
		Alerts:      resp.ExtendedField.Alerts(),
		Disasters:   resp.ExtendedField.Disasters(),
	}
	if data, jerr := json.Marshal(cached); jerr == nil {
		if err := h.weatherCache.Set(ctx, fp.CacheKey(), data, h.cfg.WeatherCache.TTL); err != nil {
			h.logger.Warn("weather cache set failed", zap.Error(err))
		}
	}

	return h.buildQueryResp(req, areaCode, cached, reqFlags), nil
}

func (h *Handler) buildQueryResp(req *protocol.Packet, areaCode uint32, cached cachedSnapshot, reqFlags domain.Flags) *protocol.Packet {
	var ef protocol.ExtendedField
	if reqFlags.Alert {
		for _, a := range cached.Alerts {
			ef = ef.With(protocol.KeyAlert, []byte(a))
		}
	}
	if reqFlags.Disaster {
		for _, d := range cached.Disasters {
			ef = ef.With(protocol.KeyDisaster, []byte(d))
		}
	}
	if lat, lon, ok := req.ExtendedField.Coordinates(); ok {
		if withCoords, err := ef.WithCoordinates(lat, lon); err == nil {
			ef = withCoords
		}
	}

	resp := protocol.Packet{
		Header: protocol.Header{
			Version:         protocol.ProtocolVersion,
			PacketID:        req.Header.PacketID,
			Type:            protocol.TypeQueryResp,
			Day:             req.Header.Day,
			Timestamp:       req.Header.Timestamp,
			AreaCode:        areaCode,
			WeatherFlag:     reqFlags.Weather,
			TemperatureFlag: reqFlags.Temperature,
			PopFlag:         reqFlags.Pop,
			AlertFlag:       reqFlags.Alert,
			DisasterFlag:    reqFlags.Disaster,
			ExFlag:          len(ef.Records) > 0,
		},
		ExtendedField: ef,
	}
	if reqFlags.Weather {
		resp.WeatherCode = cached.Weather
	}
	if reqFlags.Temperature {
		resp.Temperature = cached.Temperature
	}
	if reqFlags.Pop {
		resp.Pop = cached.Pop
	}
	return &resp
}

// handleReportReq implements §4.2's ReportReq path: no cache of its own,
// a straight forward to the Report Server whose ReportAck is relayed back
// under the client's original packet_id.
func (h *Handler) handleReportReq(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	areaCode := req.Header.AreaCode
	if areaCode == 0 {
		return nil, domain.NewWireError(uint16(protocol.ErrMissingArea), "report has no area code", nil)
	}

	backendReq := protocol.Packet{
		Header:        req.Header,
		ExtendedField: req.ExtendedField,
	}
	backendReq.Header.Version = protocol.ProtocolVersion

	resp, err := h.forward(ctx, addr, h.clients.Report, "report", h.cfg.ReportAuth, backendReq)
	if err != nil {
		return nil, domain.NewWireError(uint16(protocol.ErrInternal), "report server forward failed", err)
	}
	if werr := backendError(resp, "report server"); werr != nil {
		return nil, werr
	}

	ef := resp.ExtendedField.Without(protocol.KeySource)
	return &protocol.Packet{
		Header: protocol.Header{
			Version:   protocol.ProtocolVersion,
			PacketID:  req.Header.PacketID,
			Type:      protocol.TypeReportAck,
			Day:       req.Header.Day,
			Timestamp: req.Header.Timestamp,
			AreaCode:  areaCode,
			ExFlag:    len(ef.Records) > 0,
		},
		ExtendedField: ef,
	}, nil
}

// forward assigns pkt a fresh proxy-local packet_id (so concurrent client
// requests that happen to share a 12-bit id never collide on the shared
// Demux), adds the source record identifying the original client, injects
// a per-hop auth_hash when authCfg requires it, and runs the backend call
// through that hop's circuit breaker.
func (h *Handler) forward(ctx context.Context, addr *net.UDPAddr, client ports.BackendClient, breakerName string, authCfg config.AuthConfig, pkt protocol.Packet) (*protocol.Packet, error) {
	id := h.allocPacketID()
	pkt.Header.PacketID = id

	ef := pkt.ExtendedField.WithSource(addr.String())
	if authCfg.Enabled {
		injected, err := authutil.Inject(authCfg, ef, id, pkt.Header.Timestamp)
		if err != nil {
			return nil, err
		}
		ef = injected
	}
	pkt.ExtendedField = ef
	pkt.Header.ExFlag = true

	breaker := h.breakers.GetBreaker(breakerName, circuitbreaker.Config{
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
	})

	var resp *protocol.Packet
	err := breaker.Execute(ctx, "Forward", func() error {
		r, callErr := client.Forward(ctx, pkt)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	stripped := resp.ExtendedField.Without(protocol.KeySource)
	resp.ExtendedField = stripped
	return resp, nil
}

func backendError(resp *protocol.Packet, backendName string) error {
	if resp.Header.Type != protocol.TypeError {
		return nil
	}
	return domain.NewWireError(uint16(resp.ErrorCode()), fmt.Sprintf("%s returned error %d", backendName, resp.ErrorCode()), nil)
}

func (h *Handler) allocPacketID() uint16 {
	return uint16(atomic.AddUint32(&h.nextID, 1) & 0x0FFF)
}

func (h *Handler) recordCacheHit(ctx context.Context, key string) {
	if h.telemetry != nil {
		h.telemetry.RecordCacheHit(ctx, key)
	}
}

func (h *Handler) recordCacheMiss(ctx context.Context, key string) {
	if h.telemetry != nil {
		h.telemetry.RecordCacheMiss(ctx, key)
	}
}
