package driver

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/LoveWonYoung/ican/can"
)

// RxChannelBufferSize is the default per-handle receive queue of a loop bus.
const RxChannelBufferSize = 1024

func init() {
	Register(Variant{Scheme: "loop", Options: []string{"echo", "buffer"}, Open: openLoop})
}

// loopHub is one named in-process virtual bus. Every handle opened on the
// same name receives the frames sent by every other handle, like vcan.
type loopHub struct {
	name    string
	mu      sync.Mutex
	members map[*LoopBus]struct{}
}

var loopHubs = struct {
	sync.Mutex
	m map[string]*loopHub
}{m: make(map[string]*loopHub)}

// LoopBus is a handle on a loop:// virtual bus.
type LoopBus struct {
	cfg       Config
	hub       *loopHub
	echo      bool
	rxChan    chan can.Frame
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func openLoop(cfg Config) (Bus, error) {
	echo, err := cfg.Bool("echo", false)
	if err != nil {
		return nil, err
	}
	size, err := cfg.Int("buffer", RxChannelBufferSize)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, cfg.badOption("buffer", fmt.Errorf("must be positive, got %d", size))
	}

	b := &LoopBus{
		cfg:    cfg,
		echo:   echo,
		rxChan: make(chan can.Frame, size),
		done:   make(chan struct{}),
	}

	loopHubs.Lock()
	defer loopHubs.Unlock()
	hub, ok := loopHubs.m[cfg.Target]
	if !ok {
		hub = &loopHub{name: cfg.Target, members: make(map[*LoopBus]struct{})}
		loopHubs.m[cfg.Target] = hub
	}
	b.hub = hub
	hub.mu.Lock()
	hub.members[b] = struct{}{}
	hub.mu.Unlock()
	return b, nil
}

// Send delivers f to every other handle on the same bus, and to this one when
// echo is enabled. A handle whose queue is full loses the frame.
func (b *LoopBus) Send(f can.Frame) error {
	if b.isClosed() {
		return opError("send", b.cfg, ErrClosed, nil)
	}
	if err := f.Validate(); err != nil {
		return opError("send", b.cfg, ErrMalformed, err)
	}
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	for m := range b.hub.members {
		if m == b && !b.echo {
			continue
		}
		select {
		case m.rxChan <- f:
		default:
			if m.dropped.Add(1) == 1 {
				log.Printf("[loop] %s: receive queue full, dropping frames", b.hub.name)
			}
		}
	}
	return nil
}

// Receive blocks until a frame arrives or the handle is closed.
func (b *LoopBus) Receive() (can.Frame, error) {
	if b.isClosed() {
		return can.Frame{}, opError("receive", b.cfg, ErrClosed, nil)
	}
	select {
	case f := <-b.rxChan:
		return f, nil
	case <-b.done:
		return can.Frame{}, opError("receive", b.cfg, ErrClosed, nil)
	}
}

// Close detaches the handle from its bus. The hub is discarded once its last
// handle is gone.
func (b *LoopBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		loopHubs.Lock()
		defer loopHubs.Unlock()
		b.hub.mu.Lock()
		delete(b.hub.members, b)
		empty := len(b.hub.members) == 0
		b.hub.mu.Unlock()
		if empty && loopHubs.m[b.hub.name] == b.hub {
			delete(loopHubs.m, b.hub.name)
		}
	})
	return nil
}

// Dropped reports how many frames this handle lost to a full queue.
func (b *LoopBus) Dropped() uint64 { return b.dropped.Load() }

func (b *LoopBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
