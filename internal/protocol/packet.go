package protocol

import "fmt"

// Packet is a fully decoded WIP datagram: the common header, the fixed
// response payload carried by Type-3 QueryResp packets, and the variable
// Extended Field region.
//
// Packet is immutable by convention. Callers build a new value (struct
// literal, or a copy with a changed field) rather than mutating one in
// place; nothing recomputes the checksum as a side effect of a field
// assignment, unlike the self-mutating reference implementation this
// codec replaces.
type Packet struct {
	Header        Header
	WeatherCode   uint16
	Temperature   int8
	Pop           uint8
	ExtendedField ExtendedField
}

// HasQueryRespPayload reports whether this packet's type carries the fixed
// 32-bit payload. Type-3 QueryResp places weather_code/temperature/pop
// there; Type-7 Error reuses the same positional layout, placing its
// numeric error_code in the weather_code slot (§6.5). Type-4 ReportReq
// reuses it too, for the optional weather_code/temperature/pop a sensor
// report may carry — presence of each is governed by the header's
// weather_flag/temperature_flag/pop_flag, same as a query.
func (p Packet) HasQueryRespPayload() bool {
	switch p.Header.Type {
	case TypeQueryResp, TypeError, TypeReportReq:
		return true
	default:
		return false
	}
}

// ErrorCode returns the numeric error code carried in the weather_code slot
// of a Type-7 Error packet.
func (p Packet) ErrorCode() ErrorCode {
	return ErrorCode(p.WeatherCode)
}

// EncodedTemperature returns the wire representation of Temperature:
// the signed Celsius value shifted by TemperatureBias into an unsigned
// byte.
func (p Packet) EncodedTemperature() uint8 {
	return uint8(int16(p.Temperature) + TemperatureBias)
}

// DecodeTemperature reverses EncodedTemperature.
func DecodeTemperature(wire uint8) int8 {
	return int8(int16(wire) - TemperatureBias)
}

// Encode serializes p into a complete WIP datagram: header, fixed
// payload (if any), and Extended Field region, with the header's
// checksum computed over the entire buffer (checksum field zeroed
// during the calculation) per the reference implementation's
// calc_checksum12.
func Encode(p Packet) ([]byte, error) {
	if p.Header.Version != ProtocolVersion {
		return nil, &BitFieldError{Field: "version", Message: fmt.Sprintf("unsupported protocol version %d", p.Header.Version)}
	}
	if !p.Header.ExFlag && len(p.ExtendedField.Records) > 0 {
		return nil, &BitFieldError{Field: "ex_flag", Message: "extended field records present but ex_flag is not set"}
	}

	payloadLen := 0
	if p.HasQueryRespPayload() {
		payloadLen = QueryRespPayloadBytes
	}

	var extBytes []byte
	if p.Header.ExFlag {
		var err error
		extBytes, err = encodeExtendedField(p.ExtendedField)
		if err != nil {
			return nil, err
		}
	}

	total := HeaderBytes + payloadLen + len(extBytes)
	buf := make([]byte, total)

	zeroChecksumHeader := p.Header
	zeroChecksumHeader.Checksum = 0
	if err := encodeHeader(zeroChecksumHeader, buf[:HeaderBytes]); err != nil {
		return nil, err
	}

	if p.HasQueryRespPayload() {
		buf[HeaderBytes] = uint8(p.WeatherCode)
		buf[HeaderBytes+1] = uint8(p.WeatherCode >> 8)
		buf[HeaderBytes+2] = p.EncodedTemperature()
		buf[HeaderBytes+3] = p.Pop
	}

	if len(extBytes) > 0 {
		copy(buf[HeaderBytes+payloadLen:], extBytes)
	}

	checksum := calcChecksum12(buf)
	setBits(buf, headerOffset["checksum"], fieldWidth("checksum"), uint64(checksum))

	return buf, nil
}

// RecomputeChecksum rewrites data's checksum field in place to match its
// current contents. It exists for tests and conformance tools that need to
// hand-craft a non-conformant-but-checksum-valid datagram (e.g. a bad
// version field) directly from raw bytes, bypassing Encode's own field
// validation.
func RecomputeChecksum(data []byte) {
	checksum := calcChecksum12(data)
	setBits(data, headerOffset["checksum"], fieldWidth("checksum"), uint64(checksum))
}

// Decode parses a complete WIP datagram, verifying its checksum and the
// Extended Field region's internal structure. It returns an error rather
// than a partially-populated Packet on any failure.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderBytes {
		return nil, &BitFieldError{Field: "header", Message: fmt.Sprintf("packet of %d bytes is shorter than the %d-byte fixed header", len(data), HeaderBytes)}
	}
	if !verifyChecksum12(data) {
		return nil, &BitFieldError{Field: "checksum", Message: "checksum verification failed"}
	}

	h := decodeHeader(data)
	pos := HeaderBytes

	p := &Packet{Header: h}

	if p.HasQueryRespPayload() {
		if len(data) < pos+QueryRespPayloadBytes {
			return nil, &BitFieldError{Field: "payload", Message: "packet too short for fixed query response payload"}
		}
		p.WeatherCode = uint16(data[pos]) | uint16(data[pos+1])<<8
		p.Temperature = DecodeTemperature(data[pos+2])
		p.Pop = data[pos+3]
		pos += QueryRespPayloadBytes
	}

	if h.ExFlag {
		ef, err := decodeExtendedField(data[pos:])
		if err != nil {
			return nil, err
		}
		p.ExtendedField = ef
	}

	return p, nil
}

// calcChecksum12 sums every byte of data (with the checksum field
// treated as zero), folds carries into 12 bits, and returns the one's
// complement — mirroring calc_checksum12 in the reference codec.
func calcChecksum12(data []byte) uint16 {
	scratch := make([]byte, len(data))
	copy(scratch, data)
	setBits(scratch, headerOffset["checksum"], fieldWidth("checksum"), 0)

	var sum uint32
	for _, b := range scratch {
		sum += uint32(b)
	}
	for sum>>12 != 0 {
		sum = (sum & 0xFFF) + (sum >> 12)
	}
	return uint16(^sum & 0xFFF)
}

// verifyChecksum12 recomputes the checksum over data with its stored
// checksum field zeroed and compares it to the stored value.
func verifyChecksum12(data []byte) bool {
	stored := uint16(getBits(data, headerOffset["checksum"], fieldWidth("checksum")))
	return calcChecksum12(data) == stored
}
