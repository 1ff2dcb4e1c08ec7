package driver

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/chmike/cmac-go"

	"github.com/LoveWonYoung/ican/can"
)

// tagLen is the size of the AES-CMAC tag appended to authenticated datagrams.
const tagLen = 16

func init() {
	Register(Variant{Scheme: "udp", Options: []string{"bind", "key"}, Open: openUDP})
}

// udpBus tunnels frames to a peer, one can_frame per datagram. With a key set
// every datagram carries an AES-CMAC tag and unauthenticated ones are
// reported as malformed.
type udpBus struct {
	cfg       Config
	conn      *net.UDPConn
	peer      *net.UDPAddr
	key       []byte
	closeOnce sync.Once
	done      chan struct{}
}

func openUDP(cfg Config) (Bus, error) {
	peer, err := net.ResolveUDPAddr("udp", cfg.Target)
	if err != nil {
		return nil, opError("open", cfg, ErrNotFound, err)
	}
	bind := cfg.StringOpt("bind", fmt.Sprintf(":%d", peer.Port))
	laddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, cfg.badOption("bind", err)
	}

	var key []byte
	if k, ok := cfg.Options["key"]; ok {
		key, err = hex.DecodeString(k)
		if err != nil {
			return nil, cfg.badOption("key", err)
		}
		if _, err := aes.NewCipher(key); err != nil {
			return nil, cfg.badOption("key", err)
		}
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, opError("open", cfg, classify(err), err)
	}
	log.Printf("[udp] %s <-> %s (authenticated=%v)", conn.LocalAddr(), peer, key != nil)
	return &udpBus{cfg: cfg, conn: conn, peer: peer, key: key, done: make(chan struct{})}, nil
}

func (u *udpBus) sign(msg []byte) ([]byte, error) {
	h, err := cmac.New(aes.NewCipher, u.key)
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

func (u *udpBus) Send(f can.Frame) error {
	buf := make([]byte, can.MTU, can.MTU+tagLen)
	if err := f.PutBinary(buf); err != nil {
		return opError("send", u.cfg, ErrMalformed, err)
	}
	if u.key != nil {
		tag, err := u.sign(buf)
		if err != nil {
			return opError("send", u.cfg, nil, err)
		}
		buf = append(buf, tag...)
	}
	if _, err := u.conn.WriteToUDP(buf, u.peer); err != nil {
		return u.fail("send", err)
	}
	return nil
}

func (u *udpBus) Receive() (can.Frame, error) {
	var buf [2 * (can.MTU + tagLen)]byte
	n, _, err := u.conn.ReadFromUDP(buf[:])
	if err != nil {
		return can.Frame{}, u.fail("receive", err)
	}
	want := can.MTU
	if u.key != nil {
		want += tagLen
	}
	if n != want {
		return can.Frame{}, opError("receive", u.cfg, ErrMalformed, fmt.Errorf("datagram of %d bytes, want %d", n, want))
	}
	if u.key != nil {
		tag, err := u.sign(buf[:can.MTU])
		if err != nil {
			return can.Frame{}, opError("receive", u.cfg, nil, err)
		}
		if subtle.ConstantTimeCompare(tag, buf[can.MTU:n]) != 1 {
			return can.Frame{}, opError("receive", u.cfg, ErrMalformed, errors.New("authentication tag mismatch"))
		}
	}
	var f can.Frame
	if err := f.UnmarshalBinary(buf[:can.MTU]); err != nil {
		return can.Frame{}, opError("receive", u.cfg, ErrMalformed, err)
	}
	return f, nil
}

func (u *udpBus) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

func (u *udpBus) fail(op string, err error) error {
	select {
	case <-u.done:
		return opError(op, u.cfg, ErrClosed, nil)
	default:
	}
	return opError(op, u.cfg, classify(err), err)
}
