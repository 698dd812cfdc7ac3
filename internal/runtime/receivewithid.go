package runtime

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/protocol"
)

// ErrDemuxClosed names the condition of a Demux whose socket read loop has
// exited. Await and SendAndAwait do not return it: they end only on a
// matching reply or on their context.
var ErrDemuxClosed = fmt.Errorf("receive-with-id: demux closed")

// Demux implements the receive-with-id contract (§5): given a shared
// outbound *net.UDPConn, route each inbound datagram to whichever waiter
// registered the matching 12-bit packet_id, so concurrent forwarders can
// share one socket without racing each other's replies. Grounded on the
// corpus's nspkt.Listener wcr (wait-for-connect-reply) map, generalized
// from a (addr, uid) key to a bare packet_id key.
type Demux struct {
	conn   *net.UDPConn
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[uint16]chan *protocol.Packet
}

// NewDemux wraps conn, an already-connected or already-bound UDP socket
// shared by multiple concurrent forwarders.
func NewDemux(conn *net.UDPConn, logger *zap.Logger) *Demux {
	return &Demux{
		conn:    conn,
		logger:  logger,
		waiters: make(map[uint16]chan *protocol.Packet),
	}
}

// Run reads datagrams from the socket until it is closed or ctx is
// cancelled, delivering each decoded packet to the waiter registered for
// its packet_id. A datagram whose packet_id has no registered waiter is
// discarded — it arrived after its waiter's deadline, or was never ours.
func (d *Demux) Run(ctx context.Context, bufferSize int) error {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, bufferSize)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		pkt, err := protocol.Decode(data)
		if err != nil {
			d.logger.Debug("demux: dropping undecodable reply", zap.Error(err))
			continue
		}

		d.mu.Lock()
		waiter, ok := d.waiters[pkt.Header.PacketID]
		d.mu.Unlock()
		if !ok {
			d.logger.Debug("demux: no waiter for packet_id, discarding", zap.Uint16("packet_id", pkt.Header.PacketID))
			continue
		}

		select {
		case waiter <- pkt:
		default:
			// waiter already delivered to or abandoned; never block the read loop.
		}
	}
}

// Await registers packetID and blocks until a matching reply arrives or
// ctx is done. It does not watch the read loop: once Run has exited, only
// ctx ends the wait. The registration is always removed before Await
// returns.
func (d *Demux) Await(ctx context.Context, packetID uint16) (*protocol.Packet, error) {
	ch := make(chan *protocol.Packet, 1)

	d.mu.Lock()
	d.waiters[packetID] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiters, packetID)
		d.mu.Unlock()
	}()

	select {
	case pkt := <-ch:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes a packet to addr over the shared socket.
func (d *Demux) Send(pkt protocol.Packet, addr *net.UDPAddr) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	_, err = d.conn.WriteToUDP(data, addr)
	return err
}

// SendAndAwait registers pkt's packet_id as a waiter before writing it to
// addr, closing the window Send-then-Await leaves open where a fast
// backend's reply could arrive before the waiter is registered.
func (d *Demux) SendAndAwait(ctx context.Context, pkt protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
	ch := make(chan *protocol.Packet, 1)

	d.mu.Lock()
	d.waiters[pkt.Header.PacketID] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiters, pkt.Header.PacketID)
		d.mu.Unlock()
	}()

	data, err := protocol.Encode(pkt)
	if err != nil {
		return nil, err
	}
	if _, err := d.conn.WriteToUDP(data, addr); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
