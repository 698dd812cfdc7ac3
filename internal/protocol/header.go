package protocol

import "fmt"

// PacketType is the 3-bit type discriminator carried in every header.
type PacketType uint8

const (
	TypeLocationReq  PacketType = 0
	TypeLocationResp PacketType = 1
	TypeQueryReq     PacketType = 2
	TypeQueryResp    PacketType = 3
	TypeReportReq    PacketType = 4
	TypeReportAck    PacketType = 5
	TypeError        PacketType = 7
)

// ProtocolVersion is the only version this codec understands. A decoded
// header carrying any other value is a version mismatch (error 403), left
// for the caller to detect and respond to.
const ProtocolVersion = 1

// HeaderBytes is the fixed size, in bytes, of the 128-bit common header.
const HeaderBytes = 16

// QueryRespPayloadBytes is the size of the fixed response payload that
// follows the header on a Type-3 QueryResp packet (weather_code(16) +
// temperature(8) + pop(8) = 32 bits).
const QueryRespPayloadBytes = 4

// TemperatureBias is added to a signed Celsius value before it is placed
// on the wire as an unsigned byte, and subtracted back out on decode.
const TemperatureBias = 100

// headerField describes one bit-packed field of the common header: its
// name (used only for error messages), its bit offset, and its width.
// Fields are listed in the order given by the specification's header
// table; a field's bit offset is the running sum of the widths of every
// field listed before it — the same left-to-right, LSB-first convention
// the header table itself uses.
type headerField struct {
	name  string
	width int
}

var headerFields = []headerField{
	{"version", 4},
	{"packet_id", 12},
	{"type", 3},
	{"weather_flag", 1},
	{"temperature_flag", 1},
	{"pop_flag", 1},
	{"alert_flag", 1},
	{"disaster_flag", 1},
	{"ex_flag", 1},
	{"day", 3},
	{"reserved", 2},
	{"request_auth", 1},
	{"response_auth", 1},
	{"timestamp", 64},
	{"area_code", 20},
	{"checksum", 12},
}

var headerOffset = func() map[string]int {
	offsets := make(map[string]int, len(headerFields))
	pos := 0
	for _, f := range headerFields {
		offsets[f.name] = pos
		pos += f.width
	}
	return offsets
}()

func fieldWidth(name string) int {
	for _, f := range headerFields {
		if f.name == name {
			return f.width
		}
	}
	return 0
}

// Header is the 128-bit fixed header shared by every WIP packet. It is an
// immutable value object: callers build one with field literals (or via
// Packet's builder-style With* helpers) and hand it to Encode; nothing
// about constructing or reading a Header has a side effect on any cached
// checksum, unlike the reference implementation's self-mutating setters.
type Header struct {
	Version          uint8
	PacketID         uint16
	Type             PacketType
	WeatherFlag      bool
	TemperatureFlag  bool
	PopFlag          bool
	AlertFlag        bool
	DisasterFlag     bool
	ExFlag           bool
	Day              uint8
	Reserved         uint8
	RequestAuth      bool
	ResponseAuth     bool
	Timestamp        uint64
	AreaCode         uint32
	Checksum         uint16
}

// AreaCodeString formats the internal integer area code as the canonical
// 6-digit zero-padded decimal string exposed to callers. An internal value
// of 0 means "unset" and still formats to "000000".
func AreaCodeString(areaCode uint32) string {
	return fmt.Sprintf("%06d", areaCode)
}

// ParseAreaCode converts the external 6-digit string form back into the
// internal integer representation, validating it fits the 20-bit field.
func ParseAreaCode(s string) (uint32, error) {
	var v uint32
	n, err := fmt.Sscanf(s, "%d", &v)
	if err != nil || n != 1 {
		return 0, &BitFieldError{Field: "area_code", Message: fmt.Sprintf("%q is not a valid area code", s)}
	}
	if v >= 1<<20 {
		return 0, fieldRangeError("area_code", uint64(v), (1<<20)-1)
	}
	return v, nil
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// validateField checks a field's value against its declared bit width.
func validateField(name string, value uint64) error {
	width := fieldWidth(name)
	max := uint64(1)<<uint(width) - 1
	if value > max {
		return fieldRangeError(name, value, max)
	}
	return nil
}

// encodeHeader validates every field and writes the 128-bit header into
// the first HeaderBytes bytes of buf (which must be at least HeaderBytes
// long). The checksum field is written as given — callers compute and set
// it only after the full packet buffer exists, per Encode's contract.
func encodeHeader(h Header, buf []byte) error {
	fields := map[string]uint64{
		"version":          uint64(h.Version),
		"packet_id":        uint64(h.PacketID),
		"type":             uint64(h.Type),
		"weather_flag":     boolBit(h.WeatherFlag),
		"temperature_flag": boolBit(h.TemperatureFlag),
		"pop_flag":         boolBit(h.PopFlag),
		"alert_flag":       boolBit(h.AlertFlag),
		"disaster_flag":    boolBit(h.DisasterFlag),
		"ex_flag":          boolBit(h.ExFlag),
		"day":              uint64(h.Day),
		"reserved":         uint64(h.Reserved),
		"request_auth":     boolBit(h.RequestAuth),
		"response_auth":    boolBit(h.ResponseAuth),
		"timestamp":        h.Timestamp,
		"area_code":        uint64(h.AreaCode),
		"checksum":         uint64(h.Checksum),
	}
	for _, f := range headerFields {
		v := fields[f.name]
		if err := validateField(f.name, v); err != nil {
			return err
		}
		setBits(buf, headerOffset[f.name], f.width, v)
	}
	return nil
}

// decodeHeader reads a Header out of the first HeaderBytes bytes of buf.
func decodeHeader(buf []byte) Header {
	return Header{
		Version:         uint8(getBits(buf, headerOffset["version"], 4)),
		PacketID:        uint16(getBits(buf, headerOffset["packet_id"], 12)),
		Type:            PacketType(getBits(buf, headerOffset["type"], 3)),
		WeatherFlag:     getBits(buf, headerOffset["weather_flag"], 1) == 1,
		TemperatureFlag: getBits(buf, headerOffset["temperature_flag"], 1) == 1,
		PopFlag:         getBits(buf, headerOffset["pop_flag"], 1) == 1,
		AlertFlag:       getBits(buf, headerOffset["alert_flag"], 1) == 1,
		DisasterFlag:    getBits(buf, headerOffset["disaster_flag"], 1) == 1,
		ExFlag:          getBits(buf, headerOffset["ex_flag"], 1) == 1,
		Day:             uint8(getBits(buf, headerOffset["day"], 3)),
		Reserved:        uint8(getBits(buf, headerOffset["reserved"], 2)),
		RequestAuth:     getBits(buf, headerOffset["request_auth"], 1) == 1,
		ResponseAuth:    getBits(buf, headerOffset["response_auth"], 1) == 1,
		Timestamp:       getBits(buf, headerOffset["timestamp"], 64),
		AreaCode:        uint32(getBits(buf, headerOffset["area_code"], 20)),
		Checksum:        uint16(getBits(buf, headerOffset["checksum"], 12)),
	}
}
