package driver

import (
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/LoveWonYoung/ican/capture"
	"github.com/LoveWonYoung/ican/can"
)

func init() {
	Register(Variant{Scheme: "file", Options: []string{"realtime", "loop"}, Open: openFile})
}

// fileBus replays a CBOR capture. It is read only; the end of the capture,
// including a truncated last record, is reported as ErrClosed unless loop is
// set.
type fileBus struct {
	cfg       Config
	f         *os.File
	rd        *capture.Reader
	realtime  bool
	loop      bool
	prev      int64 // timestamp of the previous record, 0 before the first
	timer     *time.Timer
	closeOnce sync.Once
	done      chan struct{}
}

func openFile(cfg Config) (Bus, error) {
	realtime, err := cfg.Bool("realtime", true)
	if err != nil {
		return nil, err
	}
	loop, err := cfg.Bool("loop", false)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(cfg.Target)
	if err != nil {
		return nil, opError("open", cfg, classify(err), err)
	}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	log.Printf("[file] replaying %s (realtime=%v loop=%v)", cfg.Target, realtime, loop)
	return &fileBus{
		cfg:      cfg,
		f:        f,
		rd:       capture.NewReader(f),
		realtime: realtime,
		loop:     loop,
		timer:    timer,
		done:     make(chan struct{}),
	}, nil
}

func (b *fileBus) Send(can.Frame) error {
	return opError("send", b.cfg, ErrPermissionDenied, errors.New("capture replay is read only"))
}

func (b *fileBus) Receive() (can.Frame, error) {
	for {
		if b.closed() {
			return can.Frame{}, opError("receive", b.cfg, ErrClosed, nil)
		}
		rec, err := b.rd.Next()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// an interrupted recording leaves a partial last record
			log.Printf("[file] %s ends with a truncated record", b.cfg.Target)
			err = io.EOF
		}
		if errors.Is(err, io.EOF) {
			if !b.loop {
				return can.Frame{}, opError("receive", b.cfg, ErrClosed, errors.New("end of capture"))
			}
			if _, err := b.f.Seek(0, io.SeekStart); err != nil {
				return can.Frame{}, opError("receive", b.cfg, classify(err), err)
			}
			b.rd = capture.NewReader(b.f)
			b.prev = 0
			continue
		}
		if err != nil {
			if b.closed() {
				return can.Frame{}, opError("receive", b.cfg, ErrClosed, nil)
			}
			// a corrupt stream cannot be resynchronised
			return can.Frame{}, opError("receive", b.cfg, nil, err)
		}

		if b.realtime && b.prev != 0 && rec.Time > b.prev {
			b.timer.Reset(time.Duration(rec.Time - b.prev))
			select {
			case <-b.timer.C:
			case <-b.done:
				b.timer.Stop()
				return can.Frame{}, opError("receive", b.cfg, ErrClosed, nil)
			}
		}
		b.prev = rec.Time

		f, err := rec.Frame()
		if err != nil {
			return can.Frame{}, opError("receive", b.cfg, ErrMalformed, err)
		}
		return f, nil
	}
}

func (b *fileBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.f.Close()
	})
	return err
}

func (b *fileBus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
