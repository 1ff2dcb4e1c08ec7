package driver

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoveWonYoung/ican/capture"
	"github.com/LoveWonYoung/ican/can"
)

const wsHandshakeTimeout = 5 * time.Second

func init() {
	Register(Variant{Scheme: "ws", Open: openWS})
}

// wsBus connects to the websocket bridge exposed by "ican serve". Every
// binary message is one CBOR capture record.
type wsBus struct {
	cfg       Config
	conn      *websocket.Conn
	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func openWS(cfg Config) (Bus, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.Dial("ws://"+cfg.Target, nil)
	if err != nil {
		kind := classify(err)
		if kind == nil && errors.Is(err, websocket.ErrBadHandshake) {
			kind = ErrNotFound
		}
		return nil, opError("open", cfg, kind, err)
	}
	log.Printf("[ws] connected to %s", conn.RemoteAddr())
	return &wsBus{cfg: cfg, conn: conn, done: make(chan struct{})}, nil
}

func (b *wsBus) Send(f can.Frame) error {
	data, err := capture.Marshal(f, time.Now())
	if err != nil {
		return opError("send", b.cfg, ErrMalformed, err)
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if err := b.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return b.fail("send", err)
	}
	return nil
}

func (b *wsBus) Receive() (can.Frame, error) {
	for {
		mt, data, err := b.conn.ReadMessage()
		if err != nil {
			return can.Frame{}, b.fail("receive", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		rec, err := capture.Unmarshal(data)
		if err != nil {
			return can.Frame{}, opError("receive", b.cfg, ErrMalformed, err)
		}
		f, err := rec.Frame()
		if err != nil {
			return can.Frame{}, opError("receive", b.cfg, ErrMalformed, err)
		}
		return f, nil
	}
}

func (b *wsBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = b.conn.Close()
	})
	return err
}

func (b *wsBus) fail(op string, err error) error {
	select {
	case <-b.done:
		return opError(op, b.cfg, ErrClosed, nil)
	default:
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return opError(op, b.cfg, ErrClosed, err)
	}
	return opError(op, b.cfg, classify(err), err)
}
