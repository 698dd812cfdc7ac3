package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderFields_SumTo128Bits(t *testing.T) {
	total := 0
	for _, f := range headerFields {
		total += f.width
	}
	assert.Equal(t, 128, total)
}

func TestEncodeDecodeHeader_RoundTrip(t *testing.T) {
	h := Header{
		Version:         ProtocolVersion,
		PacketID:        0xABC,
		Type:            TypeReportReq,
		WeatherFlag:     true,
		TemperatureFlag: false,
		PopFlag:         true,
		AlertFlag:       false,
		DisasterFlag:    true,
		ExFlag:          true,
		Day:             5,
		Reserved:        2,
		RequestAuth:     true,
		ResponseAuth:    false,
		Timestamp:       1_700_000_123,
		AreaCode:        471000,
		Checksum:        0,
	}

	buf := make([]byte, HeaderBytes)
	require.NoError(t, encodeHeader(h, buf))
	got := decodeHeader(buf)

	assert.Equal(t, h.Version, got.Version)
	assert.Equal(t, h.PacketID, got.PacketID)
	assert.Equal(t, h.Type, got.Type)
	assert.Equal(t, h.WeatherFlag, got.WeatherFlag)
	assert.Equal(t, h.TemperatureFlag, got.TemperatureFlag)
	assert.Equal(t, h.PopFlag, got.PopFlag)
	assert.Equal(t, h.AlertFlag, got.AlertFlag)
	assert.Equal(t, h.DisasterFlag, got.DisasterFlag)
	assert.Equal(t, h.ExFlag, got.ExFlag)
	assert.Equal(t, h.Day, got.Day)
	assert.Equal(t, h.Reserved, got.Reserved)
	assert.Equal(t, h.RequestAuth, got.RequestAuth)
	assert.Equal(t, h.ResponseAuth, got.ResponseAuth)
	assert.Equal(t, h.Timestamp, got.Timestamp)
	assert.Equal(t, h.AreaCode, got.AreaCode)
}

func TestEncodeHeader_RejectsOutOfRangeField(t *testing.T) {
	h := Header{Version: 0x10, Type: TypeLocationReq} // version is only 4 bits wide
	buf := make([]byte, HeaderBytes)
	err := encodeHeader(h, buf)
	assert.Error(t, err)
}

func TestAreaCodeString_IsAlways6Digits(t *testing.T) {
	assert.Len(t, AreaCodeString(0), 6)
	assert.Len(t, AreaCodeString(999999), 6)
}
