package can

import (
	"errors"
	"fmt"
)

// Identifier and payload limits for classic CAN.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLen    = 8
)

// SocketCAN can_id flag bits.
const (
	EFFFlag = 0x80000000
	RTRFlag = 0x40000000
	ERRFlag = 0x20000000
)

var (
	ErrInvalidID  = errors.New("can: identifier out of range")
	ErrInvalidLen = errors.New("can: data length exceeds 8 bytes")
)

// Frame is one classic CAN message. It is a plain value: copies are
// independent and two frames compare equal with == when every field matches.
type Frame struct {
	ID       uint32 // 11-bit (standard) or 29-bit (extended)
	Extended bool
	Remote   bool
	Len      uint8 // payload length, or requested DLC for remote frames
	Data     [MaxDataLen]byte
}

// New builds a standard (11-bit) data frame.
func New(id uint32, data []byte) (Frame, error) {
	return build(id, false, data)
}

// NewExtended builds an extended (29-bit) data frame.
func NewExtended(id uint32, data []byte) (Frame, error) {
	return build(id, true, data)
}

// NewRemote builds a remote transmission request with the given DLC.
func NewRemote(id uint32, extended bool, dlc uint8) (Frame, error) {
	f := Frame{ID: id, Extended: extended, Remote: true, Len: dlc}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func build(id uint32, extended bool, data []byte) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: got %d", ErrInvalidLen, len(data))
	}
	f := Frame{ID: id, Extended: extended, Len: uint8(len(data))}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate reports whether the identifier fits its address space and the
// length is within classic CAN limits.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: got %d", ErrInvalidLen, f.Len)
	}
	limit := uint32(MaxStandardID)
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
	}
	return nil
}

// Payload returns a copy of the data bytes. Remote frames have no payload.
func (f Frame) Payload() []byte {
	if f.Remote {
		return nil
	}
	out := make([]byte, f.Len)
	copy(out, f.Data[:f.Len])
	return out
}

// Key identifies the frame's id within a single map: extended ids carry the
// EFF bit so they never collide with a standard id of the same value, and
// sort after every standard id.
func (f Frame) Key() uint32 {
	if f.Extended {
		return f.ID | EFFFlag
	}
	return f.ID
}
