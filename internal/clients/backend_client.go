// Package clients implements the Weather Server's BackendClient stubs: thin
// wrappers around a shared runtime.Demux that send a request packet to one
// of the three backend roles (location/query/report) and wait for the
// correlated reply.
package clients

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/protocol"
	"github.com/wip-weather/wip-gateway/internal/runtime"
)

// Client is the shared implementation behind LocationClient, QueryClient,
// and ReportClient: send over the shared outbound socket, register a
// demux waiter keyed by packet_id, and block until the reply arrives or
// the timeout fires.
type Client struct {
	name    string
	addr    *net.UDPAddr
	demux   *runtime.Demux
	timeout time.Duration
	logger  *zap.Logger
}

// newClient is unexported: callers go through the role-specific
// constructors so call sites read as "the location backend" rather than a
// bare address.
func newClient(name string, addr *net.UDPAddr, demux *runtime.Demux, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{name: name, addr: addr, demux: demux, timeout: timeout, logger: logger}
}

// Forward sends p to the backend and waits for its reply, correlated by
// the 12-bit packet_id already set on p.Header.
func (c *Client) Forward(ctx context.Context, p protocol.Packet) (*protocol.Packet, error) {
	tracer := otel.Tracer("clients")
	ctx, span := tracer.Start(ctx, fmt.Sprintf("BackendClient.%s.Forward", c.name))
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", c.name),
		attribute.Int64("packet_id", int64(p.Header.PacketID)),
	)

	waitCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.demux.SendAndAwait(waitCtx, p, c.addr)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("backend call timed out",
			zap.String("backend", c.name),
			zap.Uint16("packet_id", p.Header.PacketID),
			zap.Error(err))
		return nil, fmt.Errorf("%s backend: %w", c.name, err)
	}

	return resp, nil
}

var _ ports.BackendClient = (*Client)(nil)

// LocationClient forwards Type-0 location requests to the Location Server.
type LocationClient struct{ *Client }

// NewLocationClient builds the Weather Server's client for the Location
// Server backend.
func NewLocationClient(addr *net.UDPAddr, demux *runtime.Demux, timeout time.Duration, logger *zap.Logger) *LocationClient {
	return &LocationClient{newClient("location", addr, demux, timeout, logger)}
}

// QueryClient forwards Type-2 weather queries to the Query Server.
type QueryClient struct{ *Client }

// NewQueryClient builds the Weather Server's client for the Query Server
// backend.
func NewQueryClient(addr *net.UDPAddr, demux *runtime.Demux, timeout time.Duration, logger *zap.Logger) *QueryClient {
	return &QueryClient{newClient("query", addr, demux, timeout, logger)}
}

// ReportClient forwards Type-4 sensor reports to the Report Server.
type ReportClient struct{ *Client }

// NewReportClient builds the Weather Server's client for the Report Server
// backend.
func NewReportClient(addr *net.UDPAddr, demux *runtime.Demux, timeout time.Duration, logger *zap.Logger) *ReportClient {
	return &ReportClient{newClient("report", addr, demux, timeout, logger)}
}
