package weatherproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/clients"
	"github.com/wip-weather/wip-gateway/internal/config"
	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/cache"
	"github.com/wip-weather/wip-gateway/internal/protocol"
	"github.com/wip-weather/wip-gateway/internal/runtime"
)

func testConfig() *config.WeatherServerConfig {
	return &config.WeatherServerConfig{
		CoordinateCache: config.CacheConfig{TTL: time.Hour},
		WeatherCache:    config.CacheConfig{TTL: time.Minute},
		LocationAuth:    config.AuthConfig{Enabled: false},
		QueryAuth:       config.AuthConfig{Enabled: false},
		ReportAuth:      config.AuthConfig{Enabled: false},
		RateLimit:       config.RateLimitConfig{Enabled: false},
	}
}

func echoBackend(t *testing.T, respond func(req *protocol.Packet) protocol.Packet) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := protocol.Decode(buf[:n])
			if err != nil {
				continue
			}
			resp := respond(req)
			data, _ := protocol.Encode(resp)
			conn.WriteToUDP(data, addr)
		}
	}()
	return conn
}

func newTestHandler(t *testing.T, locationBackend, queryBackend *net.UDPConn) (*Handler, *net.UDPConn) {
	t.Helper()
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	demux := runtime.NewDemux(clientConn, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go demux.Run(ctx, 4096)

	cl := Clients{}
	if locationBackend != nil {
		cl.Location = clients.NewLocationClient(locationBackend.LocalAddr().(*net.UDPAddr), demux, 2*time.Second, zap.NewNop())
	}
	if queryBackend != nil {
		cl.Query = clients.NewQueryClient(queryBackend.LocalAddr().(*net.UDPAddr), demux, 2*time.Second, zap.NewNop())
	}

	coordCache, err := cache.NewLRUCache(100, zap.NewNop())
	require.NoError(t, err)
	weatherCache := cache.NewMemoryCache(time.Minute, time.Minute, zap.NewNop())

	h := New(testConfig(), cl, coordCache, weatherCache, nil, zap.NewNop(), nil)
	return h, clientConn
}

// A Type-0 LocationReq only resolves an area code internally; the proxy
// always continues on to answer the weather data itself, so the client
// receives a Type-3 QueryResp, never a bare Type-1 LocationResp.
func TestHandleLocationReq_CacheMissForwardsAndPopulatesCache(t *testing.T) {
	locationBackend := echoBackend(t, func(req *protocol.Packet) protocol.Packet {
		return protocol.Packet{Header: protocol.Header{
			Version:  protocol.ProtocolVersion,
			PacketID: req.Header.PacketID,
			Type:     protocol.TypeLocationResp,
			AreaCode: 130010,
		}}
	})
	defer locationBackend.Close()

	queryBackend := echoBackend(t, func(req *protocol.Packet) protocol.Packet {
		return protocol.Packet{
			Header: protocol.Header{
				Version:         protocol.ProtocolVersion,
				PacketID:        req.Header.PacketID,
				Type:            protocol.TypeQueryResp,
				AreaCode:        req.Header.AreaCode,
				WeatherFlag:     true,
				TemperatureFlag: true,
				PopFlag:         true,
			},
			WeatherCode: 100,
			Temperature: -5,
			Pop:         30,
		}
	})
	defer queryBackend.Close()

	h, _ := newTestHandler(t, locationBackend, queryBackend)

	ef, err := protocol.ExtendedField{}.WithCoordinates(35.6895, 139.6917)
	require.NoError(t, err)
	req := &protocol.Packet{
		Header: protocol.Header{
			Version:     protocol.ProtocolVersion,
			PacketID:    1,
			Type:        protocol.TypeLocationReq,
			WeatherFlag: true,
			ExFlag:      true,
		},
		ExtendedField: ef,
	}

	addr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 5000}
	resp, err := h.Handle(context.Background(), req, addr)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeQueryResp, resp.Header.Type)
	assert.Equal(t, uint32(130010), resp.Header.AreaCode)
	assert.Equal(t, uint16(100), resp.WeatherCode)

	cacheKey := domain.Coordinates{Latitude: 35.6895, Longitude: 139.6917}.CacheKey()
	cached, err := h.coordinateCache.Get(context.Background(), cacheKey)
	require.NoError(t, err)
	assert.Equal(t, "130010", string(cached))
}

func TestHandleLocationReq_CacheHitSkipsBackend(t *testing.T) {
	queryBackend := echoBackend(t, func(req *protocol.Packet) protocol.Packet {
		return protocol.Packet{
			Header: protocol.Header{
				Version:         protocol.ProtocolVersion,
				PacketID:        req.Header.PacketID,
				Type:            protocol.TypeQueryResp,
				AreaCode:        req.Header.AreaCode,
				WeatherFlag:     true,
				TemperatureFlag: true,
				PopFlag:         true,
			},
			WeatherCode: 200,
			Temperature: 10,
			Pop:         50,
		}
	})
	defer queryBackend.Close()

	h, _ := newTestHandler(t, nil, queryBackend)

	key := domain.Coordinates{Latitude: 35.0, Longitude: 139.0}.CacheKey()
	require.NoError(t, h.coordinateCache.Set(context.Background(), key, []byte("130010"), time.Hour))

	ef, err := protocol.ExtendedField{}.WithCoordinates(35.0, 139.0)
	require.NoError(t, err)
	req := &protocol.Packet{
		Header: protocol.Header{
			Version:     protocol.ProtocolVersion,
			PacketID:    2,
			Type:        protocol.TypeLocationReq,
			WeatherFlag: true,
			ExFlag:      true,
		},
		ExtendedField: ef,
	}

	addr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 5000}
	resp, err := h.Handle(context.Background(), req, addr)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeQueryResp, resp.Header.Type)
	assert.Equal(t, uint32(130010), resp.Header.AreaCode)
	assert.Equal(t, uint16(200), resp.WeatherCode)
}

func TestHandleQueryReq_MissingAreaCodeIsError(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)

	req := &protocol.Packet{Header: protocol.Header{
		Version:     protocol.ProtocolVersion,
		PacketID:    3,
		Type:        protocol.TypeQueryReq,
		WeatherFlag: true,
	}}

	addr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 5000}
	_, err := h.Handle(context.Background(), req, addr)
	require.Error(t, err)
}

func TestHandleQueryReq_ForwardsAndCachesFullFlagSet(t *testing.T) {
	backend := echoBackend(t, func(req *protocol.Packet) protocol.Packet {
		return protocol.Packet{
			Header: protocol.Header{
				Version:         protocol.ProtocolVersion,
				PacketID:        req.Header.PacketID,
				Type:            protocol.TypeQueryResp,
				AreaCode:        req.Header.AreaCode,
				WeatherFlag:     true,
				TemperatureFlag: true,
				PopFlag:         true,
			},
			WeatherCode: 100,
			Temperature: -5,
			Pop:         30,
		}
	})
	defer backend.Close()

	h, _ := newTestHandler(t, nil, backend)

	req := &protocol.Packet{Header: protocol.Header{
		Version:     protocol.ProtocolVersion,
		PacketID:    4,
		Type:        protocol.TypeQueryReq,
		AreaCode:    130010,
		WeatherFlag: true,
	}}

	addr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 5000}
	resp, err := h.Handle(context.Background(), req, addr)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), resp.WeatherCode)
	assert.False(t, resp.Header.TemperatureFlag)

	reqWithTemp := &protocol.Packet{Header: protocol.Header{
		Version:         protocol.ProtocolVersion,
		PacketID:        5,
		Type:            protocol.TypeQueryReq,
		AreaCode:        130010,
		TemperatureFlag: true,
	}}
	resp2, err := h.Handle(context.Background(), reqWithTemp, addr)
	require.NoError(t, err)
	assert.Equal(t, int8(-5), resp2.Temperature)
}
