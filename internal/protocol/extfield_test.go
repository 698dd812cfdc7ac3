package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendedField_EncodeDecodeRoundTrip(t *testing.T) {
	ef := ExtendedField{Records: []ExtRecord{
		{Key: KeyAlert, Value: []byte("flood warning")},
		{Key: KeyDisaster, Value: []byte("earthquake")},
	}}

	encoded, err := encodeExtendedField(ef)
	require.NoError(t, err)

	decoded, err := decodeExtendedField(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.Records, 2)
	assert.Equal(t, ef.Records[0].Key, decoded.Records[0].Key)
	assert.Equal(t, ef.Records[0].Value, decoded.Records[0].Value)
	assert.Equal(t, ef.Records[1].Key, decoded.Records[1].Key)
	assert.Equal(t, ef.Records[1].Value, decoded.Records[1].Value)
}

func TestExtendedField_DecodeEmptyBuffer(t *testing.T) {
	decoded, err := decodeExtendedField(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded.Records)
}

func TestExtendedField_WithReplacingKeepsOnlyLatest(t *testing.T) {
	ef := ExtendedField{}
	ef = ef.WithReplacing(KeySource, []byte("1.1.1.1:100"))
	ef = ef.WithReplacing(KeySource, []byte("2.2.2.2:200"))

	source, ok := ef.Source()
	require.True(t, ok)
	assert.Equal(t, "2.2.2.2:200", source)
	assert.Len(t, ef.Records, 1)
}

func TestExtendedField_WithoutRemovesAllMatchingRecords(t *testing.T) {
	ef := ExtendedField{}
	ef = ef.With(KeyAlert, []byte("a"))
	ef = ef.With(KeyAlert, []byte("b"))
	ef = ef.With(KeyDisaster, []byte("c"))

	ef = ef.Without(KeyAlert)
	assert.Empty(t, ef.Alerts())
	assert.Len(t, ef.Records, 1)
}

func TestExtendedField_RejectsKeyWiderThan6Bits(t *testing.T) {
	ef := ExtendedField{Records: []ExtRecord{{Key: 0x7F, Value: []byte("x")}}}
	_, err := encodeExtendedField(ef)
	assert.Error(t, err)
}

func TestExtendedField_RejectsValueOver1023Bytes(t *testing.T) {
	ef := ExtendedField{Records: []ExtRecord{{Key: KeyAlert, Value: make([]byte, 1024)}}}
	_, err := encodeExtendedField(ef)
	assert.Error(t, err)
}

func TestExtendedField_CoordinatesRoundTrip(t *testing.T) {
	ef, err := ExtendedField{}.WithCoordinates(-33.865143, 151.209900)
	require.NoError(t, err)

	lat, lon, ok := ef.Coordinates()
	require.True(t, ok)
	assert.InDelta(t, -33.865143, lat, 1e-6)
	assert.InDelta(t, 151.209900, lon, 1e-6)
}

func TestExtendedField_MissingCoordinatesNotOK(t *testing.T) {
	_, _, ok := ExtendedField{}.Coordinates()
	assert.False(t, ok)
}
