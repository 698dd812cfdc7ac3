package runtime

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

// Handler processes one decoded, version/auth-validated request packet and
// returns the response packet to send back to addr, or an error. Returning
// a *domain.WireError causes the dispatcher to synthesize and send a
// Type-7 Error packet carrying its code in place of a response; any other
// error is logged and answered the same way with code 530 (ErrInternal).
type Handler func(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error)

// AuthValidator verifies the Extended Field auth_hash record on packets of
// types the server's AuthConfig targets. It returns a *domain.WireError
// (code 401) on failure.
type AuthValidator func(req *protocol.Packet) error

// Dispatcher is the shared request-handling runtime every WIP server binds:
// one UDP socket, a single-threaded receive loop (grounded on the corpus's
// nspkt.Listener read loop), and a bounded worker pool. It has no built-in
// notion of the Weather Server proxy's Extended Field `source` forwarding —
// every reply here goes to the UDP peer that sent the request, which is
// always known once ReadFromUDP succeeds.
type Dispatcher struct {
	conn       *net.UDPConn
	handler    Handler
	authCheck  AuthValidator
	maxWorkers int
	bufferSize int
	timeout    time.Duration
	logger     *zap.Logger
	stats      *Stats

	slots chan struct{}

	parseHist  metric.Float64Histogram
	handleHist metric.Float64Histogram
	sendHist   metric.Float64Histogram
}

// Config configures a Dispatcher.
type Config struct {
	Host            string
	Port            int
	MaxWorkers      int
	BufferSize      int
	ResponseTimeout time.Duration
}

// NewDispatcher binds a UDP socket at cfg.Host:cfg.Port and prepares the
// worker pool. The socket is not read until Serve is called.
func NewDispatcher(cfg Config, handler Handler, authCheck AuthValidator, logger *zap.Logger) (*Dispatcher, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Host), Port: cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	meter := otel.Meter("dispatcher")
	parseHist, _ := meter.Float64Histogram("wip_dispatcher_parse_seconds")
	handleHist, _ := meter.Float64Histogram("wip_dispatcher_handle_seconds")
	sendHist, _ := meter.Float64Histogram("wip_dispatcher_send_seconds")

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 32
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Dispatcher{
		conn:       conn,
		handler:    handler,
		authCheck:  authCheck,
		maxWorkers: maxWorkers,
		bufferSize: bufferSize,
		timeout:    timeout,
		logger:     logger,
		stats:      &Stats{},
		slots:      make(chan struct{}, maxWorkers),
		parseHist:  parseHist,
		handleHist: handleHist,
		sendHist:   sendHist,
	}, nil
}

// LocalAddr returns the bound socket's address.
func (d *Dispatcher) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Stats returns the dispatcher's mutex-guarded counters.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

// Close closes the underlying socket, unblocking Serve.
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}

// Serve runs the single-threaded receive loop until the socket is closed or
// ctx is cancelled. Each datagram is submitted to the bounded worker pool;
// when the pool is saturated, Serve blocks acquiring a slot before the next
// read — backpressure is implicit via the OS receive buffer filling, per
// the specification's explicit note that this is acceptable for UDP.
func (d *Dispatcher) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, d.bufferSize)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		go func(data []byte, from *net.UDPAddr) {
			defer func() { <-d.slots }()
			d.handleDatagram(ctx, data, from)
		}(datagram, addr)
	}
}

func (d *Dispatcher) handleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	tracer := otel.Tracer("dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.handleDatagram")
	defer span.End()
	span.SetAttributes(attribute.String("peer.addr", addr.String()))

	d.stats.IncRequests()

	parseStart := time.Now()
	req, err := protocol.Decode(data)
	d.parseHist.Record(ctx, time.Since(parseStart).Seconds())
	if err != nil {
		d.stats.IncError()
		d.logger.Warn("dropping undecodable datagram", zap.String("peer", addr.String()), zap.Error(err))
		return
	}

	if req.Header.Version != protocol.ProtocolVersion {
		d.replyWithError(ctx, domain.NewWireError(uint16(protocol.ErrVersion), "unsupported protocol version", nil), req, addr)
		return
	}

	if d.authCheck != nil {
		if authErr := d.authCheck(req); authErr != nil {
			d.replyWithError(ctx, authErr, req, addr)
			return
		}
	}

	handleStart := time.Now()
	handleCtx, cancel := context.WithTimeout(ctx, d.timeout)
	resp, err := d.handler(handleCtx, req, addr)
	cancel()
	d.handleHist.Record(ctx, time.Since(handleStart).Seconds())

	if err != nil {
		d.replyWithError(ctx, err, req, addr)
		return
	}

	if resp == nil {
		d.stats.IncSuccess()
		return
	}

	d.send(ctx, *resp, addr)
	d.stats.IncSuccess()
}

func (d *Dispatcher) replyWithError(ctx context.Context, err error, req *protocol.Packet, addr *net.UDPAddr) {
	d.stats.IncError()

	wireErr, ok := err.(*domain.WireError)
	if !ok {
		wireErr = domain.NewWireError(uint16(protocol.ErrInternal), "internal error", err)
	}

	d.logger.Warn("request failed",
		zap.String("peer", addr.String()),
		zap.Uint16("error_code", wireErr.Code),
		zap.String("message", wireErr.Message),
	)

	errPacket := protocol.Packet{
		Header: protocol.Header{
			Version:   protocol.ProtocolVersion,
			PacketID:  req.Header.PacketID,
			Type:      protocol.TypeError,
			Day:       req.Header.Day,
			Timestamp: req.Header.Timestamp,
			AreaCode:  req.Header.AreaCode,
			ExFlag:    true,
		},
		WeatherCode: wireErr.Code,
	}
	d.send(ctx, errPacket, addr)
}

func (d *Dispatcher) send(ctx context.Context, resp protocol.Packet, addr *net.UDPAddr) {
	sendStart := time.Now()
	data, err := protocol.Encode(resp)
	if err != nil {
		d.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	if _, err := d.conn.WriteToUDP(data, addr); err != nil {
		d.logger.Error("failed to send response", zap.String("peer", addr.String()), zap.Error(err))
	}
	d.sendHist.Record(ctx, time.Since(sendStart).Seconds())
}
