package clients

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/protocol"
	"github.com/wip-weather/wip-gateway/internal/runtime"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	return conn
}

func TestLocationClient_ForwardRoundTrip(t *testing.T) {
	backend := listenLoopback(t)
	defer backend.Close()

	clientConn := listenLoopback(t)
	defer clientConn.Close()

	demux := runtime.NewDemux(clientConn, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go demux.Run(ctx, 4096)

	go func() {
		buf := make([]byte, 4096)
		n, addr, err := backend.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := protocol.Decode(buf[:n])
		if err != nil {
			return
		}
		resp := protocol.Packet{Header: protocol.Header{
			Version:  protocol.ProtocolVersion,
			PacketID: req.Header.PacketID,
			Type:     protocol.TypeLocationResp,
			AreaCode: 130010,
		}}
		data, _ := protocol.Encode(resp)
		backend.WriteToUDP(data, addr)
	}()

	lc := NewLocationClient(backend.LocalAddr().(*net.UDPAddr), demux, 2*time.Second, zap.NewNop())

	req := protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		PacketID: 42,
		Type:     protocol.TypeLocationReq,
	}}

	resp, err := lc.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeLocationResp, resp.Header.Type)
	assert.Equal(t, uint32(130010), resp.Header.AreaCode)
}

func TestQueryClient_ForwardTimesOutWhenBackendSilent(t *testing.T) {
	backend := listenLoopback(t)
	defer backend.Close()

	clientConn := listenLoopback(t)
	defer clientConn.Close()

	demux := runtime.NewDemux(clientConn, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go demux.Run(ctx, 4096)

	qc := NewQueryClient(backend.LocalAddr().(*net.UDPAddr), demux, 100*time.Millisecond, zap.NewNop())

	req := protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		PacketID: 7,
		Type:     protocol.TypeQueryReq,
	}}

	_, err := qc.Forward(context.Background(), req)
	assert.Error(t, err)
}
