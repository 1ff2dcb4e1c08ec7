//go:build linux

package driver

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/LoveWonYoung/ican/can"
)

func init() {
	Register(Variant{Scheme: "socketcan", Options: []string{"loopback", "recv_own"}, Open: openSocketCAN})
}

// socketCAN is a raw AF_CAN socket bound to one interface. The descriptor is
// non-blocking and wrapped in an *os.File so reads park in the runtime poller
// and Close interrupts them.
type socketCAN struct {
	cfg       Config
	file      *os.File
	closeOnce sync.Once
}

func openSocketCAN(cfg Config) (Bus, error) {
	loopback, err := cfg.Bool("loopback", true)
	if err != nil {
		return nil, err
	}
	recvOwn, err := cfg.Bool("recv_own", false)
	if err != nil {
		return nil, err
	}

	ifi, err := net.InterfaceByName(cfg.Target)
	if err != nil {
		return nil, opError("open", cfg, ErrNotFound, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, opError("open", cfg, classify(err), fmt.Errorf("socket(AF_CAN): %w", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, boolInt(loopback)); err != nil {
		_ = unix.Close(fd)
		return nil, opError("open", cfg, classify(err), fmt.Errorf("set loopback: %w", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, boolInt(recvOwn)); err != nil {
		_ = unix.Close(fd)
		return nil, opError("open", cfg, classify(err), fmt.Errorf("set recv_own: %w", err))
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, opError("open", cfg, classify(err), fmt.Errorf("bind(can@%s): %w", cfg.Target, err))
	}

	log.Printf("[socketcan] opened %s (ifindex %d)", cfg.Target, ifi.Index)
	return &socketCAN{cfg: cfg, file: os.NewFile(uintptr(fd), "can:"+cfg.Target)}, nil
}

func (s *socketCAN) Send(f can.Frame) error {
	var buf [can.MTU]byte
	if err := f.PutBinary(buf[:]); err != nil {
		return opError("send", s.cfg, ErrMalformed, err)
	}
	if _, err := s.file.Write(buf[:]); err != nil {
		return opError("send", s.cfg, classify(err), err)
	}
	return nil
}

func (s *socketCAN) Receive() (can.Frame, error) {
	var buf [can.MTU]byte
	n, err := s.file.Read(buf[:])
	if err != nil {
		return can.Frame{}, opError("receive", s.cfg, classify(err), err)
	}
	if n != can.MTU {
		return can.Frame{}, opError("receive", s.cfg, ErrMalformed, fmt.Errorf("short read: %d", n))
	}
	if buf[3]&(can.ERRFlag>>24) != 0 {
		return can.Frame{}, opError("receive", s.cfg, ErrMalformed, errors.New("error frame"))
	}
	var f can.Frame
	if err := f.UnmarshalBinary(buf[:]); err != nil {
		return can.Frame{}, opError("receive", s.cfg, ErrMalformed, err)
	}
	return f, nil
}

func (s *socketCAN) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.file.Close()
		log.Printf("[socketcan] closed %s", s.cfg.Target)
	})
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
