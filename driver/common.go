package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LoveWonYoung/ican/can"
)

// DefaultScheme is used when a locator carries no scheme.
const DefaultScheme = "socketcan"

// Bus is an open connection to one CAN transport.
//
// Send may be called while another goroutine is blocked in Receive. Close is
// idempotent and makes a blocked Receive return an error wrapping ErrClosed.
type Bus interface {
	Send(f can.Frame) error
	Receive() (can.Frame, error)
	Close() error
}

// Sender is the transmit half of a Bus.
type Sender interface {
	Send(f can.Frame) error
}

// Receiver is the receive half of a Bus plus the Close that interrupts it.
type Receiver interface {
	Receive() (can.Frame, error)
	Close() error
}

// OpenFunc opens a bus for an already validated Config.
type OpenFunc func(cfg Config) (Bus, error)

// Variant describes one registered transport kind.
type Variant struct {
	Scheme  string
	Options []string // recognised option keys
	Open    OpenFunc
}

func (v Variant) accepts(key string) bool {
	for _, k := range v.Options {
		if k == key {
			return true
		}
	}
	return false
}

var registry = struct {
	sync.RWMutex
	variants map[string]Variant
}{variants: make(map[string]Variant)}

// Register adds a transport variant. It is meant to be called from init and
// panics on a duplicate scheme.
func Register(v Variant) {
	if v.Scheme == "" || v.Open == nil {
		panic("driver: Register with empty scheme or nil Open")
	}
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.variants[v.Scheme]; dup {
		panic(fmt.Sprintf("driver: Register called twice for scheme %q", v.Scheme))
	}
	registry.variants[v.Scheme] = v
}

func lookup(scheme string) (Variant, bool) {
	registry.RLock()
	defer registry.RUnlock()
	v, ok := registry.variants[scheme]
	return v, ok
}

// Schemes lists the registered schemes in sorted order.
func Schemes() []string {
	registry.RLock()
	defer registry.RUnlock()
	out := make([]string, 0, len(registry.variants))
	for s := range registry.variants {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open resolves a locator and opens the selected variant.
func Open(locator string) (Bus, error) {
	cfg, err := Resolve(locator)
	if err != nil {
		return nil, err
	}
	return OpenConfig(cfg)
}

// OpenConfig opens a bus from an already resolved Config.
func OpenConfig(cfg Config) (Bus, error) {
	v, ok := lookup(cfg.Scheme)
	if !ok {
		return nil, &LocatorError{Locator: cfg.String(), Segment: cfg.Scheme, Err: ErrUnsupportedScheme}
	}
	return v.Open(cfg)
}
