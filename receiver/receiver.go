// Package receiver runs the receive loop: it owns the blocking Receive call
// of a bus and fans every frame out, in driver order, to any number of
// subscribed consumers.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/metrics"
)

const (
	// DefaultHighWater is the queue depth above which a slow consumer is
	// reported.
	DefaultHighWater = 4096

	// DefaultLimit caps a consumer queue. Frames arriving at a full queue
	// are dropped for that consumer only.
	DefaultLimit = 1 << 16

	malformedLogInterval = time.Second
)

var ErrAlreadyRunning = errors.New("receive loop already running")

type Option func(*Loop)

// WithMetrics records received and malformed frames and queue depths.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Loop) { l.metrics = c }
}

// WithHighWater sets the queue depth that triggers a slow consumer warning.
func WithHighWater(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.highWater = n
		}
	}
}

// WithLimit sets the most frames a consumer queue may hold.
func WithLimit(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.limit = n
		}
	}
}

// Loop forwards frames from one source to its subscriptions.
type Loop struct {
	src       driver.Receiver
	metrics   *metrics.Collector
	highWater int
	limit     int

	mu       sync.Mutex
	subs     []*Subscription
	finished bool

	running   atomic.Bool
	stopOnce  sync.Once
	received  atomic.Uint64
	malformed atomic.Uint64

	// touched only by the Run goroutine
	lastLog    time.Time
	suppressed int
}

func New(src driver.Receiver, opts ...Option) *Loop {
	l := &Loop{src: src, highWater: DefaultHighWater, limit: DefaultLimit}
	for _, opt := range opts {
		opt(l)
	}
	if l.highWater > l.limit {
		l.highWater = l.limit
	}
	return l
}

// Subscribe registers a consumer. Frames received after the call are
// delivered on the subscription's channel in driver order. Subscribing to a
// loop that has already finished yields a closed channel.
func (l *Loop) Subscribe(name string) *Subscription {
	s := &Subscription{
		name: name,
		loop: l,
		out:  make(chan can.Frame),
		stop: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	l.mu.Lock()
	if l.finished {
		s.closed = true
	} else {
		l.subs = append(l.subs, s)
	}
	l.mu.Unlock()

	go s.pump()
	return s
}

// Run receives until the source is closed, ctx is done or the source fails.
// A closed source is the normal way out and returns nil; malformed frames are
// dropped and the loop carries on; any other error ends the loop and is
// returned. Subscriptions are closed once their queued frames are consumed.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.finish()

	unregister := context.AfterFunc(ctx, l.Stop)
	defer unregister()

	for {
		f, err := l.src.Receive()
		if err != nil {
			switch {
			case errors.Is(err, driver.ErrClosed):
				return nil
			case errors.Is(err, driver.ErrMalformed):
				l.malformed.Add(1)
				l.metrics.FrameMalformed()
				l.logMalformed(err)
				continue
			default:
				return fmt.Errorf("receive loop: %w", err)
			}
		}
		l.received.Add(1)
		l.metrics.FrameReceived()
		l.dispatch(f)
	}
}

// Stop closes the source, which unblocks a pending Receive and ends Run.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if err := l.src.Close(); err != nil {
			log.Printf("[receiver] close source: %v", err)
		}
	})
}

// Stats reports how many frames were delivered and how many were dropped as
// malformed.
func (l *Loop) Stats() (received, malformed uint64) {
	return l.received.Load(), l.malformed.Load()
}

func (l *Loop) dispatch(f can.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subs {
		s.push(f)
	}
}

func (l *Loop) finish() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.finished = true
	l.mu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

func (l *Loop) remove(s *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.subs {
		if x == s {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

func (l *Loop) logMalformed(err error) {
	now := time.Now()
	if now.Sub(l.lastLog) < malformedLogInterval {
		l.suppressed++
		return
	}
	if l.suppressed > 0 {
		log.Printf("[receiver] dropped malformed frame: %v (%d more since last report)", err, l.suppressed)
	} else {
		log.Printf("[receiver] dropped malformed frame: %v", err)
	}
	l.lastLog = now
	l.suppressed = 0
}

// Subscription is one consumer's view of the loop. A slow consumer never
// stalls the receive loop or its siblings: its queue grows up to the loop's
// limit, after which new frames are dropped for it alone.
type Subscription struct {
	name string
	loop *Loop

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []can.Frame
	closed  bool
	warned  bool
	dropped uint64

	out        chan can.Frame
	stop       chan struct{}
	cancelOnce sync.Once
}

// C delivers the frames. It is closed after the loop ends and every queued
// frame has been read, or after Cancel.
func (s *Subscription) C() <-chan can.Frame { return s.out }

func (s *Subscription) Name() string { return s.name }

// Dropped reports how many frames were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel detaches the consumer and discards anything still queued.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.loop.remove(s)
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		s.cond.Broadcast()
		s.loop.metrics.QueueClosed(s.name)
	})
}

func (s *Subscription) push(f can.Frame) {
	l := s.loop
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= l.limit {
		s.dropped++
		if s.dropped == 1 || s.dropped%uint64(l.limit) == 0 {
			log.Printf("[receiver] consumer %q queue full, %d frames dropped", s.name, s.dropped)
		}
		s.mu.Unlock()
		l.metrics.QueueDropped(s.name)
		return
	}
	s.queue = append(s.queue, f)
	n := len(s.queue)
	switch {
	case n > l.highWater && !s.warned:
		s.warned = true
		log.Printf("[receiver] consumer %q is falling behind: %d frames queued", s.name, n)
	case n <= l.highWater/2:
		s.warned = false
	}
	s.mu.Unlock()
	s.cond.Signal()
	l.metrics.QueueDepth(s.name, n)
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.queue = nil
		}
		s.mu.Unlock()

		select {
		case s.out <- f:
		case <-s.stop:
			return
		}
	}
}
