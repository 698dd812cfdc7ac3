package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Extended Field key identifiers (§3.2).
const (
	KeyAlert     uint8 = 1
	KeyDisaster  uint8 = 2
	KeyLatitude  uint8 = 33
	KeyLongitude uint8 = 34
	KeySource    uint8 = 40
	KeyAuthHash  uint8 = 41
)

// coordScale converts a float64 degree value to/from the int32
// micro-degree fixed-point representation used on the wire.
const coordScale = 1e6

// extRecordHeaderBytes is the byte size of one TLV record header: a
// 10-bit length plus a 6-bit key, packed LSB-first exactly like the
// common header — which happens to align the header to a byte boundary
// (16 bits), so every record's value also starts and ends on a byte
// boundary and the region can be walked byte-by-byte.
const extRecordHeaderBytes = 2

// ExtRecord is one raw (key, value) Extended Field TLV record. Value is
// the record's undecoded byte payload; higher-level accessors on
// ExtendedField interpret it according to Key.
type ExtRecord struct {
	Key   uint8
	Value []byte
}

// ExtendedField is the ordered list of TLV records following the fixed
// header (and fixed response payload, if any) when ExFlag is set.
// Unknown keys are preserved verbatim so the proxy can forward a packet
// without understanding every record it carries.
type ExtendedField struct {
	Records []ExtRecord
}

// Alerts returns, in order, the decoded UTF-8 text of every "alert"
// record (key 1).
func (ef ExtendedField) Alerts() []string {
	return ef.stringsFor(KeyAlert)
}

// Disasters returns, in order, the decoded UTF-8 text of every
// "disaster" record (key 2).
func (ef ExtendedField) Disasters() []string {
	return ef.stringsFor(KeyDisaster)
}

func (ef ExtendedField) stringsFor(key uint8) []string {
	var out []string
	for _, r := range ef.Records {
		if r.Key == key {
			out = append(out, string(r.Value))
		}
	}
	return out
}

// Get returns the last record's raw value for key, and whether it was
// present at all. Per §3.2, for non-list keys, "last wins on duplicate".
func (ef ExtendedField) Get(key uint8) ([]byte, bool) {
	var v []byte
	found := false
	for _, r := range ef.Records {
		if r.Key == key {
			v = r.Value
			found = true
		}
	}
	return v, found
}

// Has reports whether any record with the given key is present.
func (ef ExtendedField) Has(key uint8) bool {
	_, ok := ef.Get(key)
	return ok
}

// Without returns a copy of ef with every record matching key removed.
func (ef ExtendedField) Without(key uint8) ExtendedField {
	out := ExtendedField{Records: make([]ExtRecord, 0, len(ef.Records))}
	for _, r := range ef.Records {
		if r.Key != key {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// With returns a copy of ef with a new record for key appended. Use
// WithReplacing for single-value keys where only the latest should
// survive a forward/rewrite.
func (ef ExtendedField) With(key uint8, value []byte) ExtendedField {
	out := ExtendedField{Records: append(append([]ExtRecord{}, ef.Records...), ExtRecord{Key: key, Value: value})}
	return out
}

// WithReplacing removes any existing records for key and appends value as
// the sole record for it.
func (ef ExtendedField) WithReplacing(key uint8, value []byte) ExtendedField {
	return ef.Without(key).With(key, value)
}

// Source returns the decoded "ip:port" origin carried under key 40.
func (ef ExtendedField) Source() (string, bool) {
	v, ok := ef.Get(KeySource)
	if !ok {
		return "", false
	}
	return string(v), true
}

// WithSource sets (replacing any existing) the source record to addr,
// formatted as "ip:port".
func (ef ExtendedField) WithSource(addr string) ExtendedField {
	return ef.WithReplacing(KeySource, []byte(addr))
}

// Coordinates returns decoded latitude/longitude from keys 33/34, if
// both are present.
func (ef ExtendedField) Coordinates() (lat, lon float64, ok bool) {
	latRaw, okLat := ef.Get(KeyLatitude)
	lonRaw, okLon := ef.Get(KeyLongitude)
	if !okLat || !okLon || len(latRaw) != 4 || len(lonRaw) != 4 {
		return 0, 0, false
	}
	lat = float64(int32(binary.BigEndian.Uint32(latRaw))) / coordScale
	lon = float64(int32(binary.BigEndian.Uint32(lonRaw))) / coordScale
	return lat, lon, true
}

// WithCoordinates appends (replacing any existing) latitude/longitude
// records encoded as big-endian int32 micro-degrees.
func (ef ExtendedField) WithCoordinates(lat, lon float64) (ExtendedField, error) {
	latMicro := math.Round(lat * coordScale)
	lonMicro := math.Round(lon * coordScale)
	if latMicro < math.MinInt32 || latMicro > math.MaxInt32 || lonMicro < math.MinInt32 || lonMicro > math.MaxInt32 {
		return ef, &BitFieldError{Field: "coordinates", Message: "latitude/longitude out of encodable range"}
	}
	latBuf := make([]byte, 4)
	lonBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(latBuf, uint32(int32(latMicro)))
	binary.BigEndian.PutUint32(lonBuf, uint32(int32(lonMicro)))
	out := ef.WithReplacing(KeyLatitude, latBuf)
	out = out.WithReplacing(KeyLongitude, lonBuf)
	return out, nil
}

// encodeExtendedField serializes records in insertion order.
func encodeExtendedField(ef ExtendedField) ([]byte, error) {
	var buf []byte
	for _, r := range ef.Records {
		if len(r.Value) > 1023 {
			return nil, &BitFieldError{Field: "extended_field", Message: fmt.Sprintf("record value of %d bytes exceeds the 1023-byte TLV limit", len(r.Value))}
		}
		if r.Key > 0x3F {
			return nil, &BitFieldError{Field: "extended_field", Message: fmt.Sprintf("key %d exceeds 6-bit width", r.Key)}
		}
		header := make([]byte, extRecordHeaderBytes)
		setBits(header, 0, 10, uint64(len(r.Value)))
		setBits(header, 10, 6, uint64(r.Key))
		buf = append(buf, header...)
		buf = append(buf, r.Value...)
	}
	return buf, nil
}

// decodeExtendedField walks the Extended Field region of buf, which must
// contain exactly the bytes available after the fixed header/payload and
// before the end of the declared packet length. Parsing stops at a zero
// header (length=0, key=0) or when the remaining bytes can't hold another
// full record.
func decodeExtendedField(buf []byte) (ExtendedField, error) {
	var ef ExtendedField
	pos := 0
	for pos+extRecordHeaderBytes <= len(buf) {
		header := buf[pos : pos+extRecordHeaderBytes]
		length := int(getBits(header, 0, 10))
		key := uint8(getBits(header, 10, 6))
		if length == 0 && key == 0 {
			break
		}
		pos += extRecordHeaderBytes
		if pos+length > len(buf) {
			return ExtendedField{}, &BitFieldError{Field: "extended_field", Message: "record value runs past end of packet"}
		}
		value := make([]byte, length)
		copy(value, buf[pos:pos+length])
		ef.Records = append(ef.Records, ExtRecord{Key: key, Value: value})
		pos += length
	}
	return ef, nil
}
