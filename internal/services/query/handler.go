// Package query implements the Query Server's handler (§4.4): serve a
// per-area weather document, trimmed to the requested day and data flags,
// triggering an out-of-band disaster/alert refresh when the document's
// pulldatetime has gone stale.
package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/observability"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

// Handler implements the Query Server's single request type as a
// runtime.Handler.
type Handler struct {
	documents ports.DocumentStore
	refresh   ports.RefreshTrigger // optional; nil disables staleness-triggered refresh

	disasterStaleness time.Duration
	alertStaleness    time.Duration

	logger    *zap.Logger
	telemetry *observability.Telemetry
}

// New builds the Query Server's handler. refresh may be nil, in which
// case pulldatetimes are not checked and no refresh is ever triggered.
func New(documents ports.DocumentStore, refresh ports.RefreshTrigger, disasterStaleness, alertStaleness time.Duration, logger *zap.Logger, telemetry *observability.Telemetry) *Handler {
	return &Handler{
		documents:         documents,
		refresh:           refresh,
		disasterStaleness: disasterStaleness,
		alertStaleness:    alertStaleness,
		logger:            logger,
		telemetry:         telemetry,
	}
}

func alertPullKey(areaCode uint32) string    { return fmt.Sprintf("alert_pulldatetime:%06d", areaCode) }
func disasterPullKey(areaCode uint32) string { return fmt.Sprintf("disaster_pulldatetime:%06d", areaCode) }

// Handle loads the document for the requested area, extracts the
// requested day/flags, and replies with a QueryResp.
func (h *Handler) Handle(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	if req.Header.Type != protocol.TypeQueryReq {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "query server only accepts query requests", nil)
	}

	areaCode := req.Header.AreaCode
	if areaCode == 0 {
		return nil, domain.NewWireError(uint16(protocol.ErrMissingArea), "query request has no area code", nil)
	}

	flags := domain.Flags{
		Weather:     req.Header.WeatherFlag,
		Temperature: req.Header.TemperatureFlag,
		Pop:         req.Header.PopFlag,
		Alert:       req.Header.AlertFlag,
		Disaster:    req.Header.DisasterFlag,
	}
	if flags.Bitmap() == 0 {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "query request has no data flags set", nil)
	}

	doc, err := h.documents.GetWeatherDocument(ctx, areaCode)
	if err != nil {
		if errors.Is(err, ports.ErrCacheMiss) {
			return nil, domain.NewWireError(uint16(protocol.ErrMissingArea), "no weather document for area", err)
		}
		h.logger.Error("document store lookup failed", zap.Error(err))
		return nil, domain.NewWireError(uint16(protocol.ErrQueryInternal), "document store lookup failed", err)
	}

	h.maybeTriggerRefresh(ctx, areaCode, flags)

	snapshot := doc.Extract(req.Header.Day, flags)
	return h.buildResp(req, flags, snapshot), nil
}

// maybeTriggerRefresh fires an async disaster/alert refresh when the
// corresponding pulldatetime singleton is absent or older than the
// configured staleness window. It never blocks or fails the response the
// caller is waiting on — a stale document still answers the request with
// what's on hand, and the refresh populates the next one.
func (h *Handler) maybeTriggerRefresh(ctx context.Context, areaCode uint32, flags domain.Flags) {
	if h.refresh == nil {
		return
	}

	if flags.Disaster && h.isStale(ctx, disasterPullKey(areaCode), h.disasterStaleness) {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.refresh.RefreshDisaster(refreshCtx, areaCode); err != nil {
				h.logger.Warn("disaster refresh failed", zap.Uint32("area_code", areaCode), zap.Error(err))
			}
		}()
	}

	if flags.Alert && h.isStale(ctx, alertPullKey(areaCode), h.alertStaleness) {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.refresh.RefreshAlert(refreshCtx, areaCode); err != nil {
				h.logger.Warn("alert refresh failed", zap.Uint32("area_code", areaCode), zap.Error(err))
			}
		}()
	}
}

func (h *Handler) isStale(ctx context.Context, key string, staleness time.Duration) bool {
	pulled, err := h.documents.GetPullDatetime(ctx, key)
	if err != nil {
		return true
	}
	return time.Since(pulled) > staleness
}

func (h *Handler) buildResp(req *protocol.Packet, flags domain.Flags, snapshot domain.Snapshot) *protocol.Packet {
	var ef protocol.ExtendedField
	if flags.Alert {
		for _, a := range snapshot.Alerts {
			ef = ef.With(protocol.KeyAlert, []byte(a))
		}
	}
	if flags.Disaster {
		for _, d := range snapshot.Disasters {
			ef = ef.With(protocol.KeyDisaster, []byte(d))
		}
	}
	if lat, lon, ok := req.ExtendedField.Coordinates(); ok {
		if withCoords, err := ef.WithCoordinates(lat, lon); err == nil {
			ef = withCoords
		}
	}

	return &protocol.Packet{
		Header: protocol.Header{
			Version:         protocol.ProtocolVersion,
			PacketID:        req.Header.PacketID,
			Type:            protocol.TypeQueryResp,
			Day:             req.Header.Day,
			Timestamp:       req.Header.Timestamp,
			AreaCode:        req.Header.AreaCode,
			WeatherFlag:     flags.Weather,
			TemperatureFlag: flags.Temperature,
			PopFlag:         flags.Pop,
			AlertFlag:       flags.Alert,
			DisasterFlag:    flags.Disaster,
			ExFlag:          len(ef.Records) > 0,
		},
		WeatherCode:   snapshot.Weather,
		Temperature:   snapshot.Temperature,
		Pop:           snapshot.Pop,
		ExtendedField: ef,
	}
}
