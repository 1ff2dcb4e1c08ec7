// Package sched transmits a frame once or at a fixed rate.
//
// Periodic sends are aligned to absolute slots start+n*interval, so latency in
// one Send does not push every later send back. A send that starts a whole
// interval or more behind its slot is an overrun: it goes out immediately and
// the slots it missed are skipped rather than replayed.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/metrics"
)

var (
	ErrInvalidRate = errors.New("rate must be a positive number of frames per second")
	ErrCancelled   = errors.New("schedule cancelled")
	ErrStarted     = errors.New("schedule already started")
)

type State int32

const (
	Idle State = iota
	Sending
	Done
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats describes a schedule's progress.
type Stats struct {
	Sent     uint64
	Overruns uint64
	MaxLate  time.Duration
}

type Option func(*Schedule)

// WithCount stops a periodic schedule after n sends. Zero means no limit.
func WithCount(n int) Option {
	return func(s *Schedule) { s.count = n }
}

// OnOverrun is called after each overrun with how late the send started.
func OnOverrun(fn func(late time.Duration)) Option {
	return func(s *Schedule) { s.onOverrun = fn }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Schedule) { s.metrics = c }
}

// Schedule sends one frame on a bus. A Schedule runs once; build a new one to
// send again.
type Schedule struct {
	bus      driver.Sender
	frame    can.Frame
	interval time.Duration
	count    int

	onOverrun func(time.Duration)
	metrics   *metrics.Collector

	state      atomic.Int32
	cancel     chan struct{}
	cancelOnce sync.Once

	mu    sync.Mutex
	stats Stats
}

// Interval converts a rate in frames per second to the slot length.
func Interval(rate float64) (time.Duration, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	d := time.Duration(float64(time.Second) / rate)
	if d <= 0 {
		return 0, fmt.Errorf("%w: %v is too fast", ErrInvalidRate, rate)
	}
	return d, nil
}

// Once builds a schedule that sends f a single time.
func Once(bus driver.Sender, f can.Frame, opts ...Option) *Schedule {
	return newSchedule(bus, f, 0, opts)
}

// Periodic builds a schedule that sends f rate times per second until
// cancelled or, with WithCount, until enough frames went out. An invalid rate
// is reported here, before anything is sent.
func Periodic(bus driver.Sender, f can.Frame, rate float64, opts ...Option) (*Schedule, error) {
	interval, err := Interval(rate)
	if err != nil {
		return nil, err
	}
	return newSchedule(bus, f, interval, opts), nil
}

func newSchedule(bus driver.Sender, f can.Frame, interval time.Duration, opts []Option) *Schedule {
	s := &Schedule{
		bus:      bus,
		frame:    f,
		interval: interval,
		cancel:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sends until the schedule completes, ctx is done, Cancel is called or a
// send fails. Cancellation is only observed between sends; a send in progress
// always completes. A cancelled schedule returns ErrCancelled.
func (s *Schedule) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Sending)) {
		return ErrStarted
	}
	if s.interval == 0 {
		if s.cancelled(ctx) {
			return s.end(Cancelled, ErrCancelled)
		}
		if err := s.send(); err != nil {
			return s.end(Failed, err)
		}
		return s.end(Done, nil)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	start := time.Now()
	for n := int64(0); ; n++ {
		if s.count > 0 && s.Stats().Sent >= uint64(s.count) {
			return s.end(Done, nil)
		}

		slot := start.Add(time.Duration(n) * s.interval)
		if wait := time.Until(slot); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				return s.end(Cancelled, ErrCancelled)
			case <-s.cancel:
				return s.end(Cancelled, ErrCancelled)
			}
		}
		if s.cancelled(ctx) {
			return s.end(Cancelled, ErrCancelled)
		}

		late := time.Since(slot)
		overrun := late >= s.interval
		s.record(late, overrun)
		if err := s.send(); err != nil {
			return s.end(Failed, err)
		}
		if overrun {
			n += int64(late / s.interval)
			log.Printf("[sched] %s: send started %v behind schedule, skipping missed slots", can.FormatID(s.frame), late.Round(time.Microsecond))
			if s.onOverrun != nil {
				s.onOverrun(late)
			}
		}
	}
}

// Cancel stops the schedule before its next send. It may be called from any
// goroutine, more than once, and before Run.
func (s *Schedule) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *Schedule) State() State { return State(s.state.Load()) }

func (s *Schedule) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Schedule) send() error {
	if err := s.bus.Send(s.frame); err != nil {
		s.metrics.SendFailed()
		return fmt.Errorf("send %v: %w", s.frame, err)
	}
	s.metrics.FrameSent()
	s.mu.Lock()
	s.stats.Sent++
	s.mu.Unlock()
	return nil
}

func (s *Schedule) record(late time.Duration, overrun bool) {
	s.metrics.SendLate(late, overrun)
	s.mu.Lock()
	defer s.mu.Unlock()
	if late > s.stats.MaxLate {
		s.stats.MaxLate = late
	}
	if overrun {
		s.stats.Overruns++
	}
}

func (s *Schedule) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.cancel:
		return true
	default:
		return false
	}
}

func (s *Schedule) end(st State, err error) error {
	s.state.Store(int32(st))
	return err
}
