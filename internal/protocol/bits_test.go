package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetBits_RoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	setBits(buf, 0, 4, 0xA)
	setBits(buf, 4, 12, 0xABC)
	setBits(buf, 16, 3, 0x5)
	setBits(buf, 32, 64, 0x0123456789ABCDEF)
	setBits(buf, 96, 20, 0xFFFFF)
	setBits(buf, 116, 12, 0xFFF)

	assert.Equal(t, uint64(0xA), getBits(buf, 0, 4))
	assert.Equal(t, uint64(0xABC), getBits(buf, 4, 12))
	assert.Equal(t, uint64(0x5), getBits(buf, 16, 3))
	assert.Equal(t, uint64(0x0123456789ABCDEF), getBits(buf, 32, 64))
	assert.Equal(t, uint64(0xFFFFF), getBits(buf, 96, 20))
	assert.Equal(t, uint64(0xFFF), getBits(buf, 116, 12))
}

func TestSetBits_DoesNotDisturbAdjacentFields(t *testing.T) {
	buf := make([]byte, 2)
	setBits(buf, 0, 10, 0x3FF)
	setBits(buf, 10, 6, 0)
	assert.Equal(t, uint64(0x3FF), getBits(buf, 0, 10))
	assert.Equal(t, uint64(0), getBits(buf, 10, 6))

	setBits(buf, 10, 6, 0x3F)
	assert.Equal(t, uint64(0x3FF), getBits(buf, 0, 10), "unrelated field must be untouched")
	assert.Equal(t, uint64(0x3F), getBits(buf, 10, 6))
}

func TestBitsToBytes(t *testing.T) {
	assert.Equal(t, 0, bitsToBytes(0))
	assert.Equal(t, 1, bitsToBytes(1))
	assert.Equal(t, 1, bitsToBytes(8))
	assert.Equal(t, 2, bitsToBytes(9))
	assert.Equal(t, 16, bitsToBytes(128))
}
