package report

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/protocol"
)

type fakeReportLog struct {
	appended []domain.SensorReport
	err      error
}

func (f *fakeReportLog) Append(ctx context.Context, report domain.SensorReport) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, report)
	return nil
}

func reportAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5301}
}

func TestHandle_PersistsFullReportAndAcks(t *testing.T) {
	log := &fakeReportLog{}
	h := New(log, zap.NewNop(), nil)

	ef, err := protocol.ExtendedField{}.WithCoordinates(35.0, 139.0)
	require.NoError(t, err)
	ef = ef.With(protocol.KeyAlert, []byte("heavy rain"))
	ef = ef.WithSource("10.0.0.5:9000")

	req := &protocol.Packet{
		Header: protocol.Header{
			Version:         protocol.ProtocolVersion,
			PacketID:        42,
			Type:            protocol.TypeReportReq,
			Timestamp:       1700000000,
			AreaCode:        130010,
			WeatherFlag:     true,
			TemperatureFlag: true,
			PopFlag:         true,
			AlertFlag:       true,
			ExFlag:          true,
		},
		WeatherCode:   100,
		Temperature:   22,
		Pop:           40,
		ExtendedField: ef,
	}

	resp, err := h.Handle(context.Background(), req, reportAddr())
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeReportAck, resp.Header.Type)
	assert.Equal(t, uint16(42), resp.Header.PacketID)
	assert.Equal(t, uint32(130010), resp.Header.AreaCode)
	_, hasSource := resp.ExtendedField.Get(protocol.KeySource)
	assert.False(t, hasSource, "ack must not carry the proxy's source record")

	require.Len(t, log.appended, 1)
	rec := log.appended[0]
	assert.Equal(t, uint32(130010), rec.AreaCode)
	require.NotNil(t, rec.WeatherCode)
	assert.Equal(t, uint16(100), *rec.WeatherCode)
	require.NotNil(t, rec.Temperature)
	assert.Equal(t, int8(22), *rec.Temperature)
	require.NotNil(t, rec.Pop)
	assert.Equal(t, uint8(40), *rec.Pop)
	assert.Equal(t, []string{"heavy rain"}, rec.Alerts)
}

func TestHandle_OptionalFieldsOmittedWhenFlagsUnset(t *testing.T) {
	log := &fakeReportLog{}
	h := New(log, zap.NewNop(), nil)

	req := &protocol.Packet{
		Header: protocol.Header{
			Version:   protocol.ProtocolVersion,
			PacketID:  1,
			Type:      protocol.TypeReportReq,
			Timestamp: 1700000000,
			AreaCode:  130010,
		},
	}

	_, err := h.Handle(context.Background(), req, reportAddr())
	require.NoError(t, err)
	require.Len(t, log.appended, 1)
	assert.Nil(t, log.appended[0].WeatherCode)
	assert.Nil(t, log.appended[0].Temperature)
	assert.Nil(t, log.appended[0].Pop)
}

func TestHandle_MissingAreaCodeIsError(t *testing.T) {
	h := New(&fakeReportLog{}, zap.NewNop(), nil)
	req := &protocol.Packet{Header: protocol.Header{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeReportReq,
	}}

	_, err := h.Handle(context.Background(), req, reportAddr())
	require.Error(t, err)
	var wireErr *domain.WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, uint16(protocol.ErrMissingArea), wireErr.Code)
}

func TestHandle_WrongPacketTypeIsBadPacket(t *testing.T) {
	h := New(&fakeReportLog{}, zap.NewNop(), nil)
	req := &protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		Type:     protocol.TypeQueryReq,
		AreaCode: 130010,
	}}

	_, err := h.Handle(context.Background(), req, reportAddr())
	require.Error(t, err)
	var wireErr *domain.WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, uint16(protocol.ErrBadPacket), wireErr.Code)
}

func TestHandle_LogAppendFailureMapsToInternalError(t *testing.T) {
	log := &fakeReportLog{err: errors.New("disk full")}
	h := New(log, zap.NewNop(), nil)
	req := &protocol.Packet{Header: protocol.Header{
		Version:  protocol.ProtocolVersion,
		Type:     protocol.TypeReportReq,
		AreaCode: 130010,
	}}

	_, err := h.Handle(context.Background(), req, reportAddr())
	require.Error(t, err)
	var wireErr *domain.WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, uint16(protocol.ErrInternal), wireErr.Code)
}
