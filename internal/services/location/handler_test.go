package location

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
	"github.com/wip-weather/wip-gateway/internal/infrastructure/cache"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

type fakeGeometryStore struct {
	record *domain.AreaRecord
	err    error
	calls  int
}

func (f *fakeGeometryStore) ResolveAreaCode(ctx context.Context, lon, lat float64) (*domain.AreaRecord, error) {
	f.calls++
	return f.record, f.err
}

func requestWithCoords(t *testing.T, lat, lon float64) *protocol.Packet {
	t.Helper()
	ef, err := protocol.ExtendedField{}.WithCoordinates(lat, lon)
	require.NoError(t, err)
	return &protocol.Packet{
		Header: protocol.Header{
			Version:  protocol.ProtocolVersion,
			PacketID: 1,
			Type:     protocol.TypeLocationReq,
			ExFlag:   true,
		},
		ExtendedField: ef,
	}
}

func TestHandle_ResolvesAndCachesOnMiss(t *testing.T) {
	store := &fakeGeometryStore{record: &domain.AreaRecord{Code: 130010, Name: "Chiyoda-ku"}}
	c := cache.NewMemoryCache(time.Minute, time.Minute, zap.NewNop())
	h := New(store, c, time.Hour, zap.NewNop(), nil)

	req := requestWithCoords(t, 35.6895, 139.6917)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}

	resp, err := h.Handle(context.Background(), req, addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(130010), resp.Header.AreaCode)
	assert.Equal(t, 1, store.calls)

	resp2, err := h.Handle(context.Background(), req, addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(130010), resp2.Header.AreaCode)
	assert.Equal(t, 1, store.calls, "second call should be served from cache, not the store")
}

func TestHandle_MissingCoordinatesIsBadPacket(t *testing.T) {
	store := &fakeGeometryStore{}
	c := cache.NewMemoryCache(time.Minute, time.Minute, zap.NewNop())
	h := New(store, c, time.Hour, zap.NewNop(), nil)

	req := &protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		PacketID: 2,
		Type:     protocol.TypeLocationReq,
	}}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}

	_, err := h.Handle(context.Background(), req, addr)
	require.Error(t, err)
	var wireErr *domain.WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, uint16(protocol.ErrBadPacket), wireErr.Code)
}

func TestHandle_NoAreaFoundMapsToMissingAreaError(t *testing.T) {
	store := &fakeGeometryStore{err: fmt.Errorf("no rows: %w", ports.ErrCacheMiss)}
	c := cache.NewMemoryCache(time.Minute, time.Minute, zap.NewNop())
	h := New(store, c, time.Hour, zap.NewNop(), nil)

	req := requestWithCoords(t, 0, 0)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}

	_, err := h.Handle(context.Background(), req, addr)
	require.Error(t, err)
	var wireErr *domain.WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, uint16(protocol.ErrMissingArea), wireErr.Code)
}
