// Package sniffer keeps per-identifier state for the monitor view: the last
// payload, which bytes changed in the most recent update, how often the id
// was seen and how regular its timing is.
//
// An Engine is owned by one monitor session. Render cadence is independent of
// frame arrival: Run feeds frames in as they come and hands a sorted,
// read-only Snapshot to the renderer on every tick.
package sniffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/metrics"
)

// DefaultWindow is the number of inter-arrival intervals kept per id.
const DefaultWindow = 32

var ErrInvalidTick = errors.New("render interval must be positive")

// Entry is the state of one identifier at snapshot time.
type Entry struct {
	ID       uint32
	Extended bool
	Remote   bool // most recent frame was a remote request

	// Data is the payload of the last data frame. Changed[i] reports whether
	// Data[i] differs from the data frame before it.
	Data       []byte
	Changed    []bool
	LenChanged bool

	FirstSeen time.Time
	LastSeen  time.Time
	Count     uint64

	// Delta is the gap between the last two frames of this id.
	Delta        time.Duration
	MeanInterval time.Duration
	Jitter       time.Duration // standard deviation of the interval
}

// Frame rebuilds the last data frame of the entry.
func (e Entry) Frame() can.Frame {
	f := can.Frame{ID: e.ID, Extended: e.Extended, Len: uint8(len(e.Data))}
	copy(f.Data[:], e.Data)
	return f
}

// Snapshot is a copy of every entry, standard ids first, each group in
// ascending order.
type Snapshot struct {
	Taken   time.Time
	Entries []Entry
	Frames  uint64
}

type Option func(*Engine)

// WithWindow sets how many intervals feed the mean and jitter.
func WithWindow(n int) Option {
	return func(e *Engine) {
		if n > 1 {
			e.window = n
		}
	}
}

// WithClock replaces time.Now for Update and Snapshot.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

type state struct {
	Entry
	hasData   bool
	intervals []float64 // seconds, ring buffer
	next      int
}

// Engine tracks entries for one session. It is safe for concurrent use.
type Engine struct {
	window  int
	now     func() time.Time
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[uint32]*state
	frames  uint64
}

func New(opts ...Option) *Engine {
	e := &Engine{
		window:  DefaultWindow,
		now:     time.Now,
		entries: make(map[uint32]*state),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Update records f as observed now.
func (e *Engine) Update(f can.Frame) {
	e.Observe(f, e.now())
}

// Observe records f as observed at the given time.
func (e *Engine) Observe(f can.Frame, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++

	s, ok := e.entries[f.Key()]
	if !ok {
		s = &state{Entry: Entry{ID: f.ID, Extended: f.Extended, FirstSeen: at}}
		e.entries[f.Key()] = s
		e.metrics.SnifferIDs(len(e.entries))
	} else {
		s.Delta = at.Sub(s.LastSeen)
		e.addInterval(s, s.Delta)
	}
	s.Count++
	s.LastSeen = at
	s.Remote = f.Remote
	if f.Remote {
		return
	}

	data := f.Payload()
	switch {
	case !s.hasData:
		// nothing to compare against yet
		s.Changed = make([]bool, len(data))
		s.LenChanged = false
	case len(data) != len(s.Data):
		s.Changed = make([]bool, len(data))
		for i := range s.Changed {
			s.Changed[i] = true
		}
		s.LenChanged = true
	default:
		changed := make([]bool, len(data))
		for i := range data {
			changed[i] = data[i] != s.Data[i]
		}
		s.Changed = changed
		s.LenChanged = false
	}
	s.Data = data
	s.hasData = true
}

func (e *Engine) addInterval(s *state, d time.Duration) {
	if len(s.intervals) < e.window {
		s.intervals = append(s.intervals, d.Seconds())
	} else {
		s.intervals[s.next] = d.Seconds()
		s.next = (s.next + 1) % e.window
	}
	if len(s.intervals) < 2 {
		s.MeanInterval = d
		s.Jitter = 0
		return
	}
	mean, std := stat.MeanStdDev(s.intervals, nil)
	s.MeanInterval = time.Duration(mean * float64(time.Second))
	s.Jitter = time.Duration(std * float64(time.Second))
}

// Snapshot copies every entry. The result shares nothing with the engine.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := maps.Keys(e.entries)
	slices.Sort(keys)

	snap := Snapshot{Taken: e.now(), Frames: e.frames, Entries: make([]Entry, 0, len(keys))}
	for _, k := range keys {
		entry := e.entries[k].Entry
		entry.Data = slices.Clone(entry.Data)
		entry.Changed = slices.Clone(entry.Changed)
		snap.Entries = append(snap.Entries, entry)
	}
	return snap
}

// Len reports how many distinct ids have been seen.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Run updates the engine from frames and calls render with a fresh snapshot
// every interval. It returns nil after a final render once frames is closed,
// or ctx.Err() when ctx is done.
func (e *Engine) Run(ctx context.Context, frames <-chan can.Frame, every time.Duration, render func(Snapshot)) error {
	if every <= 0 {
		return ErrInvalidTick
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				render(e.Snapshot())
				return nil
			}
			e.Update(f)
		case <-ticker.C:
			render(e.Snapshot())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
