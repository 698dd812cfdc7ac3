package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

func newTestDispatcher(t *testing.T, handler Handler, authCheck AuthValidator) (*Dispatcher, *net.UDPConn) {
	t.Helper()
	d, err := NewDispatcher(Config{Host: "127.0.0.1", Port: 0, MaxWorkers: 4}, handler, authCheck, zap.NewNop())
	require.NoError(t, err)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	return d, client
}

func sendAndRead(t *testing.T, client *net.UDPConn, to net.Addr, pkt protocol.Packet) *protocol.Packet {
	t.Helper()
	data, err := protocol.Encode(pkt)
	require.NoError(t, err)
	_, err = client.WriteTo(data, to)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	resp, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	return resp
}

func TestDispatcher_HandlerResponseRoundTrip(t *testing.T) {
	handler := func(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
		resp := protocol.Packet{Header: protocol.Header{
			Version:  protocol.ProtocolVersion,
			PacketID: req.Header.PacketID,
			Type:     protocol.TypeLocationResp,
			AreaCode: 130010,
		}}
		return &resp, nil
	}

	d, client := newTestDispatcher(t, handler, nil)
	defer client.Close()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx)

	req := protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		PacketID: 77,
		Type:     protocol.TypeLocationReq,
	}}

	resp := sendAndRead(t, client, d.LocalAddr(), req)
	assert.Equal(t, uint16(77), resp.Header.PacketID)
	assert.Equal(t, protocol.TypeLocationResp, resp.Header.Type)
	assert.Equal(t, uint32(130010), resp.Header.AreaCode)

	snap := d.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.Requests)
	assert.Equal(t, uint64(1), snap.Successes)
}

func TestDispatcher_HandlerErrorProducesType7(t *testing.T) {
	handler := func(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
		return nil, domain.NewWireError(uint16(protocol.ErrMissingArea), "area code required", nil)
	}

	d, client := newTestDispatcher(t, handler, nil)
	defer client.Close()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx)

	req := protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		PacketID: 5,
		Type:     protocol.TypeQueryReq,
	}}

	resp := sendAndRead(t, client, d.LocalAddr(), req)
	assert.Equal(t, protocol.TypeError, resp.Header.Type)
	assert.Equal(t, protocol.ErrorCode(protocol.ErrMissingArea), resp.ErrorCode())
	assert.Equal(t, uint16(5), resp.Header.PacketID)

	snap := d.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.Errors)
}

func TestDispatcher_VersionMismatchProducesError403(t *testing.T) {
	handler := func(ctx context.Context, req *protocol.Packet, addr *net.UDPAddr) (*protocol.Packet, error) {
		t.Fatal("handler must not be invoked for a version mismatch")
		return nil, nil
	}

	d, client := newTestDispatcher(t, handler, nil)
	defer client.Close()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx)

	// Build the bytes directly since Encode rejects an invalid version
	// before it ever reaches the wire; the dispatcher must still reject a
	// decoded packet whose version field is wrong.
	req := protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		PacketID: 9,
		Type:     protocol.TypeQueryReq,
	}}
	data, err := protocol.Encode(req)
	require.NoError(t, err)
	data[0] = (data[0] &^ 0x0F) | 0x0F // force version field to 15
	protocol.RecomputeChecksum(data)

	_, err = client.WriteTo(data, d.LocalAddr())
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	resp, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, resp.Header.Type)
	assert.Equal(t, protocol.ErrorCode(protocol.ErrVersion), resp.ErrorCode())
}
