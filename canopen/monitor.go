package canopen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/LoveWonYoung/ican/can"
)

var (
	ErrNodeID      = errors.New("node id must be 1 to 127")
	ErrNoTPDO      = errors.New("EDS maps no transmit PDO")
	ErrInvalidTick = errors.New("render interval must be positive")
)

// Row is the latest value of one object.
type Row struct {
	ID       ObjectID
	Name     string
	Value    Value
	PDO      int
	Count    uint64
	LastSeen time.Time
}

// Snapshot is a copy of the monitor state with rows in object order.
type Snapshot struct {
	Node      uint8
	State     NMTState
	Heartbeat bool // State has been reported
	Frames    uint64
	PDOs      uint64
	Rows      []Row
	Taken     time.Time
}

// Monitor tracks the transmit PDOs of one node and keeps the latest value
// of every mapped object.
type Monitor struct {
	eds      *EDS
	node     uint8
	decoders [4]*Decoder
	now      func() time.Time

	mu        sync.Mutex
	rows      map[ObjectID]*Row
	state     NMTState
	heartbeat bool
	frames    uint64
	pdos      uint64
}

// NewMonitor builds a monitor for node from the TPDO1..4 mappings in eds.
func NewMonitor(eds *EDS, node int) (*Monitor, error) {
	if node < 1 || node > 127 {
		return nil, fmt.Errorf("%w: %d", ErrNodeID, node)
	}
	m := &Monitor{eds: eds, node: uint8(node), now: time.Now, rows: map[ObjectID]*Row{}}
	found := false
	for i := range m.decoders {
		if d, ok := eds.TPDODecoder(i + 1); ok {
			m.decoders[i] = d
			found = true
		}
	}
	if !found {
		return nil, ErrNoTPDO
	}
	return m, nil
}

// Observe feeds one frame to the monitor. It reports whether the frame
// updated any object.
func (m *Monitor) Observe(f can.Frame) bool {
	msg, err := Classify(f)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++
	if err != nil || msg.Node != m.node {
		return false
	}
	switch msg.Kind {
	case Heartbeat:
		m.state, m.heartbeat = msg.State, true
		return false
	case TPDO:
	default:
		return false
	}
	d := m.decoders[msg.PDO-1]
	if d == nil {
		return false
	}
	m.pdos++
	at := m.now()
	samples := d.Decode(msg.Data)
	for _, s := range samples {
		r, ok := m.rows[s.ID]
		if !ok {
			r = &Row{ID: s.ID, Name: m.eds.Name(s.ID), PDO: msg.PDO}
			m.rows[s.ID] = r
		}
		r.Value = s.Value
		r.Count++
		r.LastSeen = at
	}
	return len(samples) > 0
}

// Snapshot copies the monitor state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := maps.Keys(m.rows)
	slices.SortFunc(ids, func(a, b ObjectID) bool { return a.Less(b) })
	snap := Snapshot{
		Node:      m.node,
		State:     m.state,
		Heartbeat: m.heartbeat,
		Frames:    m.frames,
		PDOs:      m.pdos,
		Rows:      make([]Row, 0, len(ids)),
		Taken:     m.now(),
	}
	for _, id := range ids {
		snap.Rows = append(snap.Rows, *m.rows[id])
	}
	return snap
}

// Run observes frames and calls render with a fresh snapshot every
// interval. It returns nil after a final render once frames is closed, or
// ctx.Err() when ctx is done.
func (m *Monitor) Run(ctx context.Context, frames <-chan can.Frame, every time.Duration, render func(Snapshot)) error {
	if every <= 0 {
		return ErrInvalidTick
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				render(m.Snapshot())
				return nil
			}
			m.Observe(f)
		case <-ticker.C:
			render(m.Snapshot())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
