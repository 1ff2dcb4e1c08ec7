package canopen

import (
	"encoding/hex"
	"math"
	"strconv"
)

// Value is a typed object value. Fixed-width types keep their bit pattern;
// strings, octet strings and domains keep their bytes.
type Value struct {
	Type DataType
	bits uint64
	text string
}

// Unsigned returns the value of a Boolean or UnsignedN value.
func (v Value) Unsigned() (uint64, bool) {
	switch v.Type {
	case Boolean, Unsigned8, Unsigned16, Unsigned32, Unsigned64:
		return v.bits, true
	}
	return 0, false
}

// Signed returns the value of an IntegerN value.
func (v Value) Signed() (int64, bool) {
	if !v.Type.signed() {
		return 0, false
	}
	return int64(v.bits), true
}

// Float returns the value of a Real32 or Real64 value.
func (v Value) Float() (float64, bool) {
	switch v.Type {
	case Real32:
		return float64(math.Float32frombits(uint32(v.bits))), true
	case Real64:
		return math.Float64frombits(v.bits), true
	}
	return 0, false
}

// Bytes returns the content of a string, octet string or domain value.
func (v Value) Bytes() ([]byte, bool) {
	switch v.Type {
	case VisibleString, OctetString, Domain:
		return []byte(v.text), true
	}
	return nil, false
}

func (v Value) String() string {
	switch v.Type {
	case Boolean:
		return strconv.FormatBool(v.bits != 0)
	case VisibleString:
		return strconv.Quote(v.text)
	case OctetString, Domain:
		return hex.EncodeToString([]byte(v.text))
	}
	if n, ok := v.Signed(); ok {
		return strconv.FormatInt(n, 10)
	}
	if f, ok := v.Float(); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatUint(v.bits, 10)
}

func signExtend(u uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(u)
	}
	shift := 64 - bits
	return int64(u<<shift) >> shift
}
