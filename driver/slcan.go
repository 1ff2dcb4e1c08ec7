package driver

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"

	"github.com/LoveWonYoung/ican/can"
)

var errUnsupportedBaud = errors.New("unsupported baud rate")

func init() {
	Register(Variant{Scheme: "slcan", Options: []string{"baud", "bitrate"}, Open: openSLCAN})
}

// slcanBitrates maps a CAN bitrate to the Lawicel "Sn" setup code.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// slcan speaks the Lawicel ASCII protocol over a serial adapter.
type slcan struct {
	cfg       Config
	port      io.ReadWriteCloser
	r         *bufio.Reader
	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func openSLCAN(cfg Config) (Bus, error) {
	baud, err := cfg.Int("baud", 115200)
	if err != nil {
		return nil, err
	}
	bitrate, err := cfg.Int("bitrate", 500000)
	if err != nil {
		return nil, err
	}
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, cfg.badOption("bitrate", fmt.Errorf("unsupported bitrate %d", bitrate))
	}

	port, err := openSerial(cfg.Target, baud)
	if errors.Is(err, errUnsupportedBaud) {
		return nil, cfg.badOption("baud", err)
	}
	if err != nil {
		return nil, opError("open", cfg, classify(err), err)
	}
	return newSLCAN(cfg, port, code)
}

// newSLCAN closes any open channel, sets the bitrate and opens the channel.
func newSLCAN(cfg Config, port io.ReadWriteCloser, bitrateCode byte) (*slcan, error) {
	s := &slcan{cfg: cfg, port: port, r: bufio.NewReaderSize(port, 256), done: make(chan struct{})}
	for _, cmd := range []string{"C\r", "S" + string(bitrateCode) + "\r", "O\r"} {
		if _, err := io.WriteString(port, cmd); err != nil {
			_ = port.Close()
			return nil, opError("open", cfg, classify(err), fmt.Errorf("slcan setup %q: %w", cmd[:len(cmd)-1], err))
		}
	}
	log.Printf("[slcan] opened %s", cfg.Target)
	return s, nil
}

func (s *slcan) Send(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return opError("send", s.cfg, ErrMalformed, err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.port.Write(encodeSLCAN(f)); err != nil {
		return s.fail("send", err)
	}
	return nil
}

func (s *slcan) Receive() (can.Frame, error) {
	for {
		line, err := s.r.ReadSlice('\r')
		if errors.Is(err, bufio.ErrBufferFull) {
			// drain the rest of an oversized line before reporting it
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = s.r.ReadSlice('\r')
			}
			if err == nil {
				return can.Frame{}, opError("receive", s.cfg, ErrMalformed, errors.New("line too long"))
			}
		}
		if err != nil {
			return can.Frame{}, s.fail("receive", err)
		}
		// BEL reports a rejected command and is not terminated by CR.
		line = bytes.TrimLeft(line[:len(line)-1], "\a")
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 't', 'T', 'r', 'R':
			f, err := decodeSLCAN(line)
			if err != nil {
				return can.Frame{}, opError("receive", s.cfg, ErrMalformed, err)
			}
			return f, nil
		default:
			// transmit acks (z/Z) and replies to setup commands
			continue
		}
	}
}

func (s *slcan) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wmu.Lock()
		_, _ = io.WriteString(s.port, "C\r")
		s.wmu.Unlock()
		err = s.port.Close()
		log.Printf("[slcan] closed %s", s.cfg.Target)
	})
	return err
}

func (s *slcan) fail(op string, err error) error {
	select {
	case <-s.done:
		return opError(op, s.cfg, ErrClosed, nil)
	default:
	}
	if errors.Is(err, io.EOF) {
		return opError(op, s.cfg, ErrClosed, err)
	}
	return opError(op, s.cfg, classify(err), err)
}

// encodeSLCAN renders t/T/r/R iii[iiiii] l dd.. CR.
func encodeSLCAN(f can.Frame) []byte {
	var b bytes.Buffer
	switch {
	case f.Remote && f.Extended:
		b.WriteByte('R')
	case f.Remote:
		b.WriteByte('r')
	case f.Extended:
		b.WriteByte('T')
	default:
		b.WriteByte('t')
	}
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	b.WriteByte('0' + f.Len)
	if !f.Remote {
		fmt.Fprintf(&b, "%X", f.Data[:f.Len])
	}
	b.WriteByte('\r')
	return b.Bytes()
}

// decodeSLCAN parses one frame line without its trailing CR.
func decodeSLCAN(line []byte) (can.Frame, error) {
	if len(line) == 0 {
		return can.Frame{}, errors.New("slcan: empty line")
	}
	kind := line[0]
	extended := kind == 'T' || kind == 'R'
	remote := kind == 'r' || kind == 'R'
	idLen := 3
	if extended {
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("slcan: short line %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("slcan: bad id %q", line[1:1+idLen])
	}
	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return can.Frame{}, fmt.Errorf("slcan: bad dlc %q", dlc)
	}
	n := int(dlc - '0')
	if remote {
		return can.NewRemote(uint32(id), extended, uint8(n))
	}
	hexData := line[2+idLen:]
	// some adapters append a 4 digit timestamp
	if len(hexData) != 2*n && len(hexData) != 2*n+4 {
		return can.Frame{}, fmt.Errorf("slcan: payload does not match dlc %d: %q", n, hexData)
	}
	data := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseUint(string(hexData[2*i:2*i+2]), 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("slcan: bad data byte %q", hexData[2*i:2*i+2])
		}
		data[i] = byte(v)
	}
	if extended {
		return can.NewExtended(uint32(id), data)
	}
	return can.New(uint32(id), data)
}
