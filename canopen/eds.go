// Package canopen decodes CANopen traffic for one node: it reads the node's
// object dictionary from an EDS file, classifies frames by their COB-ID and
// decodes transmit PDOs into object values.
package canopen

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var ErrMalformedEDS = errors.New("malformed EDS")

// DataType is a CiA 301 basic data type code.
type DataType uint16

const (
	Boolean       DataType = 0x0001
	Integer8      DataType = 0x0002
	Integer16     DataType = 0x0003
	Integer32     DataType = 0x0004
	Unsigned8     DataType = 0x0005
	Unsigned16    DataType = 0x0006
	Unsigned32    DataType = 0x0007
	Real32        DataType = 0x0008
	VisibleString DataType = 0x0009
	OctetString   DataType = 0x000A
	Domain        DataType = 0x000F
	Real64        DataType = 0x0011
	Integer64     DataType = 0x0015
	Unsigned64    DataType = 0x001B
)

var dataTypeNames = map[DataType]string{
	Boolean:       "bool",
	Integer8:      "int8",
	Integer16:     "int16",
	Integer32:     "int32",
	Unsigned8:     "uint8",
	Unsigned16:    "uint16",
	Unsigned32:    "uint32",
	Real32:        "float32",
	VisibleString: "string",
	OctetString:   "octets",
	Domain:        "domain",
	Real64:        "float64",
	Integer64:     "int64",
	Unsigned64:    "uint64",
}

func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type 0x%04X", uint16(t))
}

func (t DataType) known() bool {
	_, ok := dataTypeNames[t]
	return ok
}

func (t DataType) signed() bool {
	return t == Integer8 || t == Integer16 || t == Integer32 || t == Integer64
}

// bits is the encoded size of fixed-width types, 0 for the others.
func (t DataType) bits() int {
	switch t {
	case Boolean:
		return 1
	case Integer8, Unsigned8:
		return 8
	case Integer16, Unsigned16:
		return 16
	case Integer32, Unsigned32, Real32:
		return 32
	case Integer64, Unsigned64, Real64:
		return 64
	}
	return 0
}

type AccessType uint8

const (
	ReadOnly AccessType = iota + 1
	WriteOnly
	ReadWrite
	Const
)

func parseAccessType(s string) (AccessType, error) {
	switch strings.ToLower(s) {
	case "ro":
		return ReadOnly, nil
	case "wo":
		return WriteOnly, nil
	case "rw", "rww", "rwr":
		return ReadWrite, nil
	case "const":
		return Const, nil
	}
	return 0, fmt.Errorf("access type %q", s)
}

func (a AccessType) String() string {
	switch a {
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	case ReadWrite:
		return "rw"
	case Const:
		return "const"
	}
	return "?"
}

type ObjectType uint8

const (
	Var    ObjectType = 0x07
	Array  ObjectType = 0x08
	Record ObjectType = 0x09
)

// ObjectID addresses one entry of the object dictionary.
type ObjectID struct {
	Index uint16
	Sub   uint8
}

func (id ObjectID) String() string { return fmt.Sprintf("%04X.%02X", id.Index, id.Sub) }

// Less orders ids by index, then subindex.
func (id ObjectID) Less(o ObjectID) bool {
	if id.Index != o.Index {
		return id.Index < o.Index
	}
	return id.Sub < o.Sub
}

// parseSection reads an object section name: "IIII" or "IIIIsubS", both in
// hex.
func parseSection(name string) (ObjectID, bool) {
	name = strings.ToLower(name)
	index, sub, hasSub := strings.Cut(name, "sub")
	if len(index) != 4 {
		return ObjectID{}, false
	}
	i, err := strconv.ParseUint(index, 16, 16)
	if err != nil {
		return ObjectID{}, false
	}
	id := ObjectID{Index: uint16(i)}
	if hasSub {
		s, err := strconv.ParseUint(sub, 16, 8)
		if err != nil {
			return ObjectID{}, false
		}
		id.Sub = uint8(s)
	}
	return id, true
}

// Variable is a single value entry of the dictionary.
type Variable struct {
	Name    string
	Type    DataType
	Access  AccessType
	Default Value
	// NodeRelative marks a default of the form $NODEID+n; Default holds n.
	NodeRelative bool
	PDOMapping   bool
}

// Composite describes an Array or Record object. Its members are variables
// at subindex 0 and up.
type Composite struct {
	Name      string
	Kind      ObjectType
	SubNumber uint8
}

// EDS is a parsed electronic data sheet.
type EDS struct {
	vars       map[ObjectID]Variable
	composites map[uint16]Composite
}

// Load reads and parses the EDS file at path.
func Load(path string) (*EDS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses EDS content. Sections that do not name an object are
// ignored; an object without ObjectType is a variable.
func Parse(data []byte) (*EDS, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true, IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEDS, err)
	}
	e := &EDS{vars: map[ObjectID]Variable{}, composites: map[uint16]Composite{}}
	for _, sec := range f.Sections() {
		id, ok := parseSection(sec.Name())
		if !ok {
			continue
		}
		if err := e.add(id, sec); err != nil {
			return nil, fmt.Errorf("%w: [%s] %v", ErrMalformedEDS, sec.Name(), err)
		}
	}
	return e, nil
}

func (e *EDS) add(id ObjectID, sec *ini.Section) error {
	name, err := required(sec, "ParameterName")
	if err != nil {
		return err
	}
	kind := Var
	if sec.HasKey("ObjectType") {
		n, err := parseUint(sec.Key("ObjectType").String(), 8)
		if err != nil {
			return fmt.Errorf("ObjectType: %v", err)
		}
		kind = ObjectType(n)
	}

	switch kind {
	case Array, Record:
		s, err := required(sec, "SubNumber")
		if err != nil {
			return err
		}
		n, err := parseUint(s, 8)
		if err != nil {
			return fmt.Errorf("SubNumber: %v", err)
		}
		e.composites[id.Index] = Composite{Name: name, Kind: kind, SubNumber: uint8(n)}
		return nil
	case Var:
	default:
		return fmt.Errorf("object type 0x%X", uint8(kind))
	}

	v := Variable{Name: name}
	s, err := required(sec, "DataType")
	if err != nil {
		return err
	}
	t, err := parseUint(s, 16)
	if err != nil {
		return fmt.Errorf("DataType: %v", err)
	}
	v.Type = DataType(t)
	if !v.Type.known() {
		return fmt.Errorf("data type 0x%04X not supported", t)
	}
	if s, err = required(sec, "AccessType"); err != nil {
		return err
	}
	if v.Access, err = parseAccessType(s); err != nil {
		return err
	}
	def := sec.Key("DefaultValue").String()
	if rest, ok := cutNodeID(def); ok {
		v.NodeRelative = true
		def = rest
	}
	if v.Default, err = parseValue(def, v.Type); err != nil {
		return fmt.Errorf("DefaultValue: %v", err)
	}
	if sec.HasKey("PDOMapping") {
		m, err := parseUint(sec.Key("PDOMapping").String(), 8)
		if err != nil {
			return fmt.Errorf("PDOMapping: %v", err)
		}
		v.PDOMapping = m != 0
	}
	e.vars[id] = v
	return nil
}

func required(sec *ini.Section, key string) (string, error) {
	if !sec.HasKey(key) {
		return "", fmt.Errorf("missing %s", key)
	}
	return sec.Key(key).String(), nil
}

func cutNodeID(s string) (string, bool) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(upper, "$NODEID") {
		return s, false
	}
	rest := strings.TrimSpace(upper[len("$NODEID"):])
	rest = strings.TrimPrefix(rest, "+")
	if rest == "" {
		rest = "0"
	}
	return rest, true
}

// numeric splits an EDS number into digits and base: hex when it carries a
// 0x prefix, decimal otherwise.
func numeric(s string) (string, int) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:], 16
	}
	return s, 10
}

func parseUint(s string, bits int) (uint64, error) {
	digits, base := numeric(s)
	return strconv.ParseUint(digits, base, bits)
}

func parseInt(s string, bits int) (int64, error) {
	digits, base := numeric(s)
	if base == 16 {
		// hex literals carry the two's complement bit pattern
		u, err := strconv.ParseUint(digits, 16, bits)
		if err != nil {
			return 0, err
		}
		return signExtend(u, bits), nil
	}
	return strconv.ParseInt(digits, 10, bits)
}

func parseValue(s string, t DataType) (Value, error) {
	v := Value{Type: t}
	switch {
	case t == VisibleString || t == OctetString || t == Domain:
		v.text = s
		return v, nil
	case strings.TrimSpace(s) == "":
		return v, nil
	}
	var err error
	switch t {
	case Boolean:
		v.bits, err = parseUint(s, 8)
		if v.bits != 0 {
			v.bits = 1
		}
	case Integer8, Integer16, Integer32, Integer64:
		var n int64
		n, err = parseInt(s, t.bits())
		v.bits = uint64(n)
	case Unsigned8, Unsigned16, Unsigned32, Unsigned64:
		v.bits, err = parseUint(s, t.bits())
	case Real32:
		var f float64
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 32)
		v.bits = uint64(math.Float32bits(float32(f)))
	case Real64:
		var f float64
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		v.bits = math.Float64bits(f)
	}
	return v, err
}

// Variable returns the variable at id.
func (e *EDS) Variable(id ObjectID) (Variable, bool) {
	v, ok := e.vars[id]
	return v, ok
}

// Composite returns the Array or Record object at index.
func (e *EDS) Composite(index uint16) (Composite, bool) {
	c, ok := e.composites[index]
	return c, ok
}

// Len reports how many variables the dictionary holds.
func (e *EDS) Len() int { return len(e.vars) }

// Name returns the parameter name of id, "unknown" when the dictionary has
// no such variable.
func (e *EDS) Name(id ObjectID) string {
	if v, ok := e.vars[id]; ok {
		return v.Name
	}
	return "unknown"
}

// Entries returns the members of the composite at index: subindex 0 holds
// the entry count and subindexes 1 to count the members. Missing members
// are skipped.
func (e *EDS) Entries(index uint16) ([]Variable, bool) {
	if _, ok := e.composites[index]; !ok {
		return nil, false
	}
	count, ok := e.vars[ObjectID{Index: index}].Default.Unsigned()
	if !ok {
		return nil, false
	}
	items := make([]Variable, 0, count)
	for sub := uint64(1); sub <= count && sub <= math.MaxUint8; sub++ {
		if v, ok := e.vars[ObjectID{Index: index, Sub: uint8(sub)}]; ok {
			items = append(items, v)
		}
	}
	return items, true
}
