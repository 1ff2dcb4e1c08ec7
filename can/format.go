package can

import (
	"fmt"
	"strings"
)

// DataFormat selects how payload bytes are rendered.
type DataFormat int

const (
	Hex DataFormat = iota
	Binary
)

// ParseDataFormat accepts "hex" or "binary".
func ParseDataFormat(s string) (DataFormat, error) {
	switch strings.ToLower(s) {
	case "", "hex":
		return Hex, nil
	case "binary", "bin":
		return Binary, nil
	}
	return Hex, fmt.Errorf("unknown data format %q", s)
}

func (m DataFormat) String() string {
	if m == Binary {
		return "binary"
	}
	return "hex"
}

// Next cycles through the available formats.
func (m DataFormat) Next() DataFormat {
	if m == Hex {
		return Binary
	}
	return Hex
}

// FormatID renders the identifier as 3 hex digits for standard frames and 8
// for extended ones.
func FormatID(f Frame) string {
	if f.Extended {
		return fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%03X", f.ID)
}

// FormatByte renders one payload byte in the given mode.
func FormatByte(b byte, mode DataFormat) string {
	if mode == Binary {
		return fmt.Sprintf("%08b", b)
	}
	return fmt.Sprintf("%02X", b)
}

// Format renders a frame as "ID [dlc]  XX XX ...".
func Format(f Frame, mode DataFormat) string {
	var b strings.Builder
	b.WriteString(FormatID(f))
	fmt.Fprintf(&b, "  [%d] ", f.Len)
	if f.Remote {
		b.WriteString(" remote request")
		return b.String()
	}
	for _, v := range f.Data[:f.Len] {
		b.WriteByte(' ')
		b.WriteString(FormatByte(v, mode))
	}
	return b.String()
}
