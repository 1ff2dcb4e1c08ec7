package canopen

import (
	"errors"
	"fmt"

	"github.com/LoveWonYoung/ican/can"
)

var (
	ErrExtendedID   = errors.New("CANopen uses 11-bit identifiers")
	ErrFunctionCode = errors.New("unknown function code")
	ErrNMTState     = errors.New("unknown NMT state")
)

// Kind is the communication object a frame carries, taken from the function
// code in the upper four bits of the COB-ID.
type Kind uint8

const (
	NMT Kind = iota + 1
	Sync
	Emergency
	Time
	TPDO
	RPDO
	SDOTx
	SDORx
	Heartbeat
)

var kindNames = [...]string{"", "NMT", "SYNC", "EMCY", "TIME", "TPDO", "RPDO", "SDO tx", "SDO rx", "heartbeat"}

func (k Kind) String() string {
	if int(k) < len(kindNames) && k != 0 {
		return kindNames[k]
	}
	return fmt.Sprintf("kind %d", uint8(k))
}

// NMTState is the node state reported in a heartbeat.
type NMTState uint8

const (
	BootUp         NMTState = 0x00
	Stopped        NMTState = 0x04
	Operational    NMTState = 0x05
	PreOperational NMTState = 0x7F
)

func (s NMTState) String() string {
	switch s {
	case BootUp:
		return "boot-up"
	case Stopped:
		return "stopped"
	case Operational:
		return "operational"
	case PreOperational:
		return "pre-operational"
	}
	return fmt.Sprintf("state 0x%02X", uint8(s))
}

// Message is a classified CANopen frame.
type Message struct {
	Kind Kind
	Node uint8 // 0 for broadcast objects
	PDO  int   // 1 to 4 for TPDO and RPDO
	// State is set for heartbeats.
	State NMTState
	Data  []byte
}

// functions maps the function code of node-addressed objects to their kind
// and PDO number.
var functions = map[uint32]struct {
	kind Kind
	pdo  int
}{
	0x180: {TPDO, 1}, 0x200: {RPDO, 1},
	0x280: {TPDO, 2}, 0x300: {RPDO, 2},
	0x380: {TPDO, 3}, 0x400: {RPDO, 3},
	0x480: {TPDO, 4}, 0x500: {RPDO, 4},
	0x580: {SDOTx, 0}, 0x600: {SDORx, 0},
	0x700: {Heartbeat, 0},
}

// Classify splits the COB-ID of f into function code and node id.
func Classify(f can.Frame) (Message, error) {
	if f.Extended {
		return Message{}, ErrExtendedID
	}
	code, node := f.ID&^0x7F, uint8(f.ID&0x7F)
	m := Message{Node: node, Data: f.Payload()}
	switch {
	case f.ID == 0x000:
		m.Kind = NMT
	case code == 0x080 && node == 0:
		m.Kind = Sync
	case code == 0x080:
		m.Kind = Emergency
	case f.ID == 0x100:
		m.Kind = Time
	default:
		fn, ok := functions[code]
		if !ok {
			return Message{}, fmt.Errorf("%w 0x%03X", ErrFunctionCode, code)
		}
		m.Kind, m.PDO = fn.kind, fn.pdo
	}
	if m.Kind == Heartbeat {
		if len(m.Data) < 1 {
			return Message{}, fmt.Errorf("%w: empty heartbeat", ErrNMTState)
		}
		m.State = NMTState(m.Data[0] & 0x7F)
		switch m.State {
		case BootUp, Stopped, Operational, PreOperational:
		default:
			return Message{}, fmt.Errorf("%w 0x%02X", ErrNMTState, m.Data[0])
		}
	}
	return m, nil
}
