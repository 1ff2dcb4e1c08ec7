package canopen

import "fmt"

// tpdoMappingIndex is the mapping parameter of TPDO1; TPDO2..4 follow it.
const tpdoMappingIndex = 0x1A00

// Mapped is one entry of a PDO mapping: the object and its length in bits.
type Mapped struct {
	ID   ObjectID
	Bits uint8
}

// parseMapped splits a mapping entry of the form IIIISSLL.
func parseMapped(v uint64) Mapped {
	return Mapped{
		ID:   ObjectID{Index: uint16(v >> 16), Sub: uint8(v >> 8)},
		Bits: uint8(v),
	}
}

func (m Mapped) String() string { return fmt.Sprintf("%v/%d", m.ID, m.Bits) }

// dummy reports whether m pads the PDO with a data type index rather than an
// object.
func (m Mapped) dummy() bool { return m.ID.Index > 0 && m.ID.Index < 0x20 }

// TPDOMapping returns the default mapping of TPDO n, 1 to 4, from the
// mapping parameter at 0x1A00+n-1.
func (e *EDS) TPDOMapping(n int) ([]Mapped, bool) {
	if n < 1 || n > 4 {
		return nil, false
	}
	items, ok := e.Entries(tpdoMappingIndex + uint16(n-1))
	if !ok {
		return nil, false
	}
	mapping := make([]Mapped, 0, len(items))
	for _, item := range items {
		if v, ok := item.Default.Unsigned(); ok {
			mapping = append(mapping, parseMapped(v))
		}
	}
	return mapping, true
}

// Sample is one object value decoded from a PDO.
type Sample struct {
	ID    ObjectID
	Value Value
}

// Decoder turns the payload of one PDO into object values.
type Decoder struct {
	mapping []Mapped
	types   []DataType // per mapping entry, 0 when the object is unknown
}

// TPDODecoder builds the decoder of TPDO n from its default mapping.
func (e *EDS) TPDODecoder(n int) (*Decoder, bool) {
	mapping, ok := e.TPDOMapping(n)
	if !ok {
		return nil, false
	}
	return e.NewDecoder(mapping), true
}

// NewDecoder builds a decoder for mapping, taking object types from the
// dictionary.
func (e *EDS) NewDecoder(mapping []Mapped) *Decoder {
	d := &Decoder{mapping: mapping, types: make([]DataType, len(mapping))}
	for i, m := range mapping {
		if v, ok := e.vars[m.ID]; ok && !m.dummy() {
			d.types[i] = v.Type
		}
	}
	return d
}

// Decode walks the mapping over payload, least significant bit first.
// Dummy and unknown entries only advance the bit offset. Decoding stops at
// the first entry that does not fit in payload.
func (d *Decoder) Decode(payload []byte) []Sample {
	var out []Sample
	offset := 0
	for i, m := range d.mapping {
		n := int(m.Bits)
		if n == 0 || offset+n > len(payload)*8 {
			break
		}
		t := d.types[i]
		if t != 0 {
			if v, ok := extract(payload, offset, n, t); ok {
				out = append(out, Sample{ID: m.ID, Value: v})
			}
		}
		offset += n
	}
	return out
}

func extract(payload []byte, offset, n int, t DataType) (Value, bool) {
	v := Value{Type: t}
	switch t {
	case VisibleString, OctetString, Domain:
		if offset%8 != 0 || n%8 != 0 {
			return v, false
		}
		v.text = string(payload[offset/8 : (offset+n)/8])
		return v, true
	case Real32:
		if n != 32 {
			return v, false
		}
	case Real64:
		if n != 64 {
			return v, false
		}
	}
	if n > 64 {
		return v, false
	}
	raw := bitsAt(payload, offset, n)
	switch {
	case t == Boolean:
		if raw != 0 {
			raw = 1
		}
	case t.signed():
		raw = uint64(signExtend(raw, n))
	}
	v.bits = raw
	return v, true
}

// bitsAt reads n bits starting at bit offset, little-endian.
func bitsAt(payload []byte, offset, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		bit := offset + i
		if payload[bit/8]>>(bit%8)&1 != 0 {
			v |= 1 << i
		}
	}
	return v
}
