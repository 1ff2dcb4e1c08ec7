package can

import (
	"encoding/binary"
	"fmt"
)

// MTU is the size of a Linux struct can_frame.
const MTU = 16

const (
	effMask = 0x1FFFFFFF
	sffMask = 0x7FF
)

// MarshalBinary encodes the frame in the SocketCAN can_frame layout:
//
//	0..3  can_id with EFF/RTR flags (host order, little-endian on Linux)
//	4     can_dlc
//	5..7  padding
//	8..15 data
func (f Frame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MTU)
	if err := f.PutBinary(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PutBinary writes the can_frame layout into buf, which must hold MTU bytes.
func (f Frame) PutBinary(buf []byte) error {
	if len(buf) < MTU {
		return fmt.Errorf("can: buffer too small: %d", len(buf))
	}
	if err := f.Validate(); err != nil {
		return err
	}
	id := f.ID
	if f.Extended {
		id |= EFFFlag
	}
	if f.Remote {
		id |= RTRFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	buf[5], buf[6], buf[7] = 0, 0, 0
	copy(buf[8:MTU], f.Data[:])
	return nil
}

// UnmarshalBinary decodes the can_frame layout. A DLC above 8 is reported as
// ErrInvalidLen rather than silently clamped.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < MTU {
		return fmt.Errorf("can: need %d bytes, got %d", MTU, len(data))
	}
	raw := binary.LittleEndian.Uint32(data[0:4])
	var out Frame
	out.Extended = raw&EFFFlag != 0
	out.Remote = raw&RTRFlag != 0
	if out.Extended {
		out.ID = raw & effMask
	} else {
		out.ID = raw & sffMask
	}
	out.Len = data[4]
	if err := out.Validate(); err != nil {
		return err
	}
	if !out.Remote {
		copy(out.Data[:out.Len], data[8:8+int(out.Len)])
	}
	*f = out
	return nil
}
