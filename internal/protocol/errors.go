// Package protocol implements the WIP wire format: the 128-bit fixed
// header, the optional fixed response payload, and the TLV Extended Field
// region, plus checksum and authentication-hash helpers.
package protocol

import "fmt"

// BitFieldError is returned by Encode/Decode whenever a packet is
// structurally invalid: a field out of its bit-width range, a checksum
// mismatch, or a truncated Extended Field region. Encoders reject
// out-of-range values before a single byte is produced; decoders never
// return a partially-populated Packet alongside an error.
type BitFieldError struct {
	Field   string
	Message string
}

func (e *BitFieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldRangeError(field string, value, max uint64) error {
	return &BitFieldError{
		Field:   field,
		Message: fmt.Sprintf("value %d exceeds field width (max %d)", value, max),
	}
}

// ErrorCode enumerates the wire-level error codes carried by Type-7
// packets in the position the fixed response payload would place
// weather_code.
type ErrorCode uint16

const (
	ErrBadPacket        ErrorCode = 400
	ErrAuth             ErrorCode = 401
	ErrMissingArea      ErrorCode = 402
	ErrVersion          ErrorCode = 403
	ErrLengthMismatch   ErrorCode = 404
	ErrForwardLocation  ErrorCode = 410
	ErrForwardQuery     ErrorCode = 420
	ErrLocationInternal ErrorCode = 510
	ErrQueryInternal    ErrorCode = 520
	ErrInternal         ErrorCode = 530
)
