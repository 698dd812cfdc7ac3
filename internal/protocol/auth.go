package protocol

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
)

// HashAlgorithm selects the digest used by CalculateAuthHash.
type HashAlgorithm string

const (
	HashSHA512 HashAlgorithm = "sha512"
	HashSHA256 HashAlgorithm = "sha256"
	HashSHA1   HashAlgorithm = "sha1"
	HashMD5    HashAlgorithm = "md5"
)

// DefaultHashAlgorithm matches the reference implementation's default.
const DefaultHashAlgorithm = HashSHA512

func newHasher(algorithm HashAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case HashSHA512:
		return sha512.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA1:
		return sha1.New(), nil
	case HashMD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported auth hash algorithm %q", algorithm)
	}
}

// CalculateAuthHash computes the Extended Field auth_hash (key 41)
// value: digest(packet_id LE[2] || timestamp LE[8] || passphrase UTF-8),
// mirroring WIPAuth.calculate_auth_hash in the reference codec.
func CalculateAuthHash(packetID uint16, timestamp uint64, passphrase string, algorithm HashAlgorithm) ([]byte, error) {
	if passphrase == "" {
		return nil, &BitFieldError{Field: "auth_hash", Message: "passphrase must not be empty"}
	}
	if err := validateField("packet_id", uint64(packetID)); err != nil {
		return nil, err
	}

	h, err := newHasher(algorithm)
	if err != nil {
		return nil, err
	}

	var buf [10]byte
	binary.LittleEndian.PutUint16(buf[0:2], packetID)
	binary.LittleEndian.PutUint64(buf[2:10], timestamp)

	h.Write(buf[:])
	h.Write([]byte(passphrase))
	return h.Sum(nil), nil
}

// VerifyAuthHash recomputes the expected auth hash and compares it to
// receivedHash in constant time, matching WIPAuth.verify_auth_hash /
// _secure_compare. A malformed input (wrong algorithm, empty hash)
// verifies false rather than erroring, since an auth failure on a
// request packet is reported to the caller as error 401, not a crash.
func VerifyAuthHash(packetID uint16, timestamp uint64, passphrase string, receivedHash []byte, algorithm HashAlgorithm) bool {
	if len(receivedHash) == 0 {
		return false
	}
	expected, err := CalculateAuthHash(packetID, timestamp, passphrase, algorithm)
	if err != nil {
		return false
	}
	return len(expected) == len(receivedHash) && hmac.Equal(expected, receivedHash)
}
