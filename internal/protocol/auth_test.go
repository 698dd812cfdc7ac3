package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHash_VerifiesOwnOutput(t *testing.T) {
	for _, algo := range []HashAlgorithm{HashSHA512, HashSHA256, HashSHA1, HashMD5} {
		hash, err := CalculateAuthHash(42, 1_700_000_000, "shared-secret", algo)
		require.NoError(t, err, algo)
		assert.True(t, VerifyAuthHash(42, 1_700_000_000, "shared-secret", hash, algo), algo)
	}
}

func TestAuthHash_RejectsWrongPassphrase(t *testing.T) {
	hash, err := CalculateAuthHash(42, 1_700_000_000, "shared-secret", HashSHA512)
	require.NoError(t, err)
	assert.False(t, VerifyAuthHash(42, 1_700_000_000, "wrong-secret", hash, HashSHA512))
}

func TestAuthHash_RejectsTamperedTimestamp(t *testing.T) {
	hash, err := CalculateAuthHash(42, 1_700_000_000, "shared-secret", HashSHA512)
	require.NoError(t, err)
	assert.False(t, VerifyAuthHash(42, 1_700_000_001, "shared-secret", hash, HashSHA512))
}

func TestAuthHash_RejectsEmptyReceivedHash(t *testing.T) {
	assert.False(t, VerifyAuthHash(1, 1, "secret", nil, HashSHA512))
}

func TestAuthHash_RejectsEmptyPassphrase(t *testing.T) {
	_, err := CalculateAuthHash(1, 1, "", HashSHA512)
	assert.Error(t, err)
}

func TestAuthHash_RejectsUnsupportedAlgorithm(t *testing.T) {
	_, err := CalculateAuthHash(1, 1, "secret", HashAlgorithm("crc32"))
	assert.Error(t, err)
}

func TestAuthHash_RejectsPacketIDOverflow(t *testing.T) {
	_, err := CalculateAuthHash(0x1000, 1, "secret", HashSHA512)
	assert.Error(t, err)
}
