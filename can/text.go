package can

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrSyntax = errors.New("can: invalid frame syntax")

// Parse reads the candump-style literal ID#DATA. An id of up to three hex
// digits is standard, anything longer is extended. ID#R or ID#Rn is a remote
// frame with DLC n. Dots inside DATA are ignored.
func Parse(text string) (Frame, error) {
	idPart, body, ok := strings.Cut(strings.TrimSpace(text), "#")
	if !ok || idPart == "" || len(idPart) > 8 {
		return Frame{}, fmt.Errorf("%w: %q", ErrSyntax, text)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: bad id %q", ErrSyntax, idPart)
	}
	extended := len(idPart) > 3

	if strings.HasPrefix(body, "R") || strings.HasPrefix(body, "r") {
		var dlc uint64
		if len(body) > 1 {
			dlc, err = strconv.ParseUint(body[1:], 16, 8)
			if err != nil || len(body) > 2 {
				return Frame{}, fmt.Errorf("%w: bad remote length %q", ErrSyntax, body)
			}
		}
		return NewRemote(uint32(id), extended, uint8(dlc))
	}

	body = strings.ReplaceAll(body, ".", "")
	if len(body)%2 != 0 {
		return Frame{}, fmt.Errorf("%w: odd number of data digits", ErrSyntax)
	}
	if len(body) > 2*MaxDataLen {
		return Frame{}, fmt.Errorf("%w: got %d", ErrInvalidLen, len(body)/2)
	}
	data, err := hex.DecodeString(body)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return build(uint32(id), extended, data)
}

// String renders the frame in the same literal form Parse accepts.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	if f.Remote {
		b.WriteByte('R')
		if f.Len > 0 {
			fmt.Fprintf(&b, "%X", f.Len)
		}
		return b.String()
	}
	fmt.Fprintf(&b, "%X", f.Data[:f.Len])
	return b.String()
}
