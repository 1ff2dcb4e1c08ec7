package driver

import (
	"fmt"
	"strconv"

	"github.com/LoveWonYoung/ican/can"
)

func init() {
	Register(Variant{Scheme: "toomoss", Options: []string{"channel", "bitrate"}, Open: openToomoss})
}

// toomossFlagFDF marks a CAN FD frame in CANFD_MSG.Flags.
const toomossFlagFDF = 0x04

// toomossMsg mirrors CANFD_MSG from the USB2XXX SDK. The ID carries the same
// EFF and RTR bits as a SocketCAN can_id.
type toomossMsg struct {
	ID        uint32
	DLC       byte
	Flags     byte
	_         [2]byte
	TimeStamp uint32
	Data      [64]byte
}

func encodeToomoss(f can.Frame) toomossMsg {
	m := toomossMsg{ID: f.ID, DLC: f.Len}
	if f.Extended {
		m.ID |= can.EFFFlag
	}
	if f.Remote {
		m.ID |= can.RTRFlag
	} else {
		copy(m.Data[:], f.Payload())
	}
	return m
}

func decodeToomoss(m toomossMsg) (can.Frame, error) {
	if m.Flags&toomossFlagFDF != 0 {
		return can.Frame{}, fmt.Errorf("CAN FD frame 0x%X not supported", m.ID&can.MaxExtendedID)
	}
	if m.DLC > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("%w: dlc %d", can.ErrInvalidLen, m.DLC)
	}
	f := can.Frame{
		Extended: m.ID&can.EFFFlag != 0,
		Remote:   m.ID&can.RTRFlag != 0,
		Len:      m.DLC,
	}
	if f.Extended {
		f.ID = m.ID & can.MaxExtendedID
	} else {
		f.ID = m.ID & can.MaxStandardID
	}
	if !f.Remote {
		copy(f.Data[:], m.Data[:m.DLC])
	}
	return f, nil
}

// toomossTiming holds the nominal bit timing for the adapter's 40 MHz clock
// with an 80% sample point.
type toomossTiming struct {
	brp, seg1, seg2, sjw byte
}

var toomossBitrates = map[int]toomossTiming{
	125000:  {4, 59, 20, 2},
	250000:  {2, 59, 20, 2},
	500000:  {1, 59, 20, 2},
	1000000: {1, 29, 10, 2},
}

// toomossParams reads the adapter index from the target and the channel and
// bitrate options.
func toomossParams(cfg Config) (device, channel int, t toomossTiming, err error) {
	device, err = strconv.Atoi(cfg.Target)
	if err != nil || device < 0 {
		return 0, 0, t, &LocatorError{Locator: cfg.String(), Segment: "target", Err: fmt.Errorf("device index %q", cfg.Target)}
	}
	channel, err = cfg.Int("channel", 0)
	if err != nil {
		return 0, 0, t, err
	}
	if channel < 0 || channel > 1 {
		return 0, 0, t, cfg.badOption("channel", fmt.Errorf("channel %d out of range", channel))
	}
	bitrate, err := cfg.Int("bitrate", 500000)
	if err != nil {
		return 0, 0, t, err
	}
	t, ok := toomossBitrates[bitrate]
	if !ok {
		return 0, 0, t, cfg.badOption("bitrate", fmt.Errorf("unsupported bitrate %d", bitrate))
	}
	return device, channel, t, nil
}
