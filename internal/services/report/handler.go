// Package report implements the Report Server's handler (§4.5): accept a
// sensor report, persist it to the per-area append-only log, acknowledge.
package report

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/observability"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

// Handler implements the Report Server's single request type as a
// runtime.Handler.
type Handler struct {
	log       ports.ReportLog
	logger    *zap.Logger
	telemetry *observability.Telemetry
}

// New builds the Report Server's handler.
func New(log ports.ReportLog, logger *zap.Logger, telemetry *observability.Telemetry) *Handler {
	return &Handler{log: log, logger: logger, telemetry: telemetry}
}

// Handle validates a ReportReq, extracts the sensor tuple, appends it to
// the report log, and replies with a ReportAck carrying the same
// packet_id/area_code.
func (h *Handler) Handle(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	if req.Header.Version != protocol.ProtocolVersion {
		return nil, domain.NewWireError(uint16(protocol.ErrVersion), "unsupported protocol version", nil)
	}
	if req.Header.Type != protocol.TypeReportReq {
		return nil, domain.NewWireError(uint16(protocol.ErrBadPacket), "report server only accepts report requests", nil)
	}
	if req.Header.AreaCode == 0 {
		return nil, domain.NewWireError(uint16(protocol.ErrMissingArea), "report request has no area code", nil)
	}

	sr := domain.SensorReport{
		AreaCode:   req.Header.AreaCode,
		Timestamp:  time.Unix(int64(req.Header.Timestamp), 0).UTC(),
		ReceivedAt: time.Now().UTC(),
	}
	if req.Header.WeatherFlag {
		wc := req.WeatherCode
		sr.WeatherCode = &wc
	}
	if req.Header.TemperatureFlag {
		t := req.Temperature
		sr.Temperature = &t
	}
	if req.Header.PopFlag {
		p := req.Pop
		sr.Pop = &p
	}
	if req.Header.AlertFlag {
		sr.Alerts = req.ExtendedField.Alerts()
	}
	if req.Header.DisasterFlag {
		sr.Disasters = req.ExtendedField.Disasters()
	}

	if err := h.log.Append(ctx, sr); err != nil {
		h.logger.Error("report log append failed", zap.Uint32("area_code", sr.AreaCode), zap.Error(err))
		return nil, domain.NewWireError(uint16(protocol.ErrInternal), "report log append failed", err)
	}

	ef := req.ExtendedField.Without(protocol.KeySource)
	return &protocol.Packet{
		Header: protocol.Header{
			Version:   protocol.ProtocolVersion,
			PacketID:  req.Header.PacketID,
			Type:      protocol.TypeReportAck,
			Timestamp: req.Header.Timestamp,
			AreaCode:  req.Header.AreaCode,
			ExFlag:    len(ef.Records) > 0,
		},
		ExtendedField: ef,
	}, nil
}
