package runtime

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/protocol"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	return conn
}

func TestDemux_ConcurrentWaitersEachSeeTheirOwnReply(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	clientConn := listenLoopback(t)
	defer clientConn.Close()

	demux := NewDemux(clientConn, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go demux.Run(ctx, 4096)

	// Server echoes back whatever packet_id it receives, inside a minimal
	// Type-1 LocationResp so it round-trips through the codec.
	go func() {
		buf := make([]byte, 4096)
		for i := 0; i < 2; i++ {
			n, addr, err := server.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := protocol.Decode(buf[:n])
			if err != nil {
				continue
			}
			resp := protocol.Packet{Header: protocol.Header{
				Version:  protocol.ProtocolVersion,
				PacketID: req.Header.PacketID,
				Type:     protocol.TypeLocationResp,
				AreaCode: req.Header.AreaCode,
			}}
			data, _ := protocol.Encode(resp)
			server.WriteToUDP(data, addr)
		}
	}()

	var wg sync.WaitGroup
	results := make(map[uint16]uint32)
	var mu sync.Mutex

	for _, id := range []uint16{111, 222} {
		wg.Add(1)
		go func(packetID uint16) {
			defer wg.Done()
			req := protocol.Packet{Header: protocol.Header{
				Version:  protocol.ProtocolVersion,
				PacketID: packetID,
				Type:     protocol.TypeLocationReq,
				AreaCode: uint32(packetID),
			}}
			require.NoError(t, demux.Send(req, server.LocalAddr().(*net.UDPAddr)))

			waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer waitCancel()
			resp, err := demux.Await(waitCtx, packetID)
			require.NoError(t, err)

			mu.Lock()
			results[resp.Header.PacketID] = resp.Header.AreaCode
			mu.Unlock()
		}(id)
	}

	wg.Wait()

	assert.Equal(t, uint32(111), results[111])
	assert.Equal(t, uint32(222), results[222])
}

func TestDemux_AwaitTimesOutWithoutReply(t *testing.T) {
	clientConn := listenLoopback(t)
	defer clientConn.Close()

	demux := NewDemux(clientConn, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go demux.Run(ctx, 4096)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer waitCancel()

	_, err := demux.Await(waitCtx, 999)
	assert.Error(t, err)
}
