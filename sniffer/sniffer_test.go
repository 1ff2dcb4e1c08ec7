package sniffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/ican/can"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func mustFrame(t *testing.T, id uint32, data ...byte) can.Frame {
	t.Helper()
	f, err := can.New(id, data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func only(t *testing.T, e *Engine) Entry {
	t.Helper()
	snap := e.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("%d entries, want 1", len(snap.Entries))
	}
	return snap.Entries[0]
}

// stepClock returns a clock that starts at t0 and advances by step on every
// reading.
func stepClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at := t0.Add(time.Duration(n) * step)
		n++
		return at
	}
}

func equalMask(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestObserve_ChangeMask(t *testing.T) {
	e := New()
	e.Observe(mustFrame(t, 0x100, 1, 2, 3), t0)
	e.Observe(mustFrame(t, 0x100, 1, 9, 3), t0.Add(10*time.Millisecond))

	got := only(t, e)
	if want := []bool{false, true, false}; !equalMask(got.Changed, want) {
		t.Errorf("Changed = %v, want %v", got.Changed, want)
	}
	if got.Count != 2 || got.LenChanged {
		t.Errorf("entry %+v", got)
	}

	// the mask survives until the next update of the same id
	e.Observe(mustFrame(t, 0x200, 0), t0.Add(time.Second))
	if s := e.Snapshot(); !equalMask(s.Entries[0].Changed, []bool{false, true, false}) {
		t.Errorf("mask cleared by unrelated update: %v", s.Entries[0].Changed)
	}
	e.Observe(mustFrame(t, 0x100, 1, 9, 3), t0.Add(2*time.Second))
	if s := e.Snapshot(); !equalMask(s.Entries[0].Changed, []bool{false, false, false}) {
		t.Errorf("mask after identical payload: %v", s.Entries[0].Changed)
	}
}

func TestObserve_FirstIsAllFalse(t *testing.T) {
	e := New()
	e.Observe(mustFrame(t, 0x7E8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF), t0)
	got := only(t, e)
	if len(got.Changed) != 8 {
		t.Fatalf("mask length %d", len(got.Changed))
	}
	for i, c := range got.Changed {
		if c {
			t.Errorf("byte %d marked changed on first observation", i)
		}
	}
	if got.Count != 1 || got.Delta != 0 || !got.FirstSeen.Equal(t0) {
		t.Errorf("entry %+v", got)
	}
}

func TestObserve_LengthChange(t *testing.T) {
	e := New()
	e.Observe(mustFrame(t, 0x100, 1, 2), t0)
	e.Observe(mustFrame(t, 0x100, 1, 2, 3, 4), t0.Add(time.Millisecond))
	got := only(t, e)
	if !got.LenChanged || !equalMask(got.Changed, []bool{true, true, true, true}) {
		t.Errorf("after growth: %+v", got)
	}
	e.Observe(mustFrame(t, 0x100, 1, 2, 3, 4), t0.Add(2*time.Millisecond))
	if got := only(t, e); got.LenChanged {
		t.Error("LenChanged stuck after same-length update")
	}
}

func TestObserve_RemoteKeepsData(t *testing.T) {
	e := New()
	e.Observe(mustFrame(t, 0x100, 5, 6), t0)
	rtr, _ := can.NewRemote(0x100, false, 2)
	e.Observe(rtr, t0.Add(50*time.Millisecond))
	got := only(t, e)
	if got.Count != 2 || !got.Remote || got.Delta != 50*time.Millisecond {
		t.Errorf("entry %+v", got)
	}
	if len(got.Data) != 2 || got.Data[0] != 5 {
		t.Errorf("remote frame replaced data: %v", got.Data)
	}
	if f := got.Frame(); f.ID != 0x100 || f.Len != 2 || f.Data[1] != 6 {
		t.Errorf("Frame() = %v", f)
	}
}

func TestSnapshot_Ordering(t *testing.T) {
	e := New()
	ext, _ := can.NewExtended(0x100, []byte{1})
	for _, f := range []can.Frame{mustFrame(t, 0x300), ext, mustFrame(t, 0x100), mustFrame(t, 0x001)} {
		e.Observe(f, t0)
	}
	snap := e.Snapshot()
	var got []uint32
	for _, en := range snap.Entries {
		got = append(got, en.ID)
	}
	want := []uint32{0x001, 0x100, 0x300, 0x100}
	if len(got) != len(want) {
		t.Fatalf("ids %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids %x, want %x", got, want)
		}
	}
	if !snap.Entries[3].Extended || snap.Entries[1].Extended {
		t.Error("standard and extended 0x100 merged or misordered")
	}
	if snap.Frames != 4 || e.Len() != 4 {
		t.Errorf("Frames=%d Len=%d", snap.Frames, e.Len())
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	e := New()
	e.Observe(mustFrame(t, 0x10, 1, 2), t0)
	snap := e.Snapshot()
	snap.Entries[0].Data[0] = 0xEE
	snap.Entries[0].Changed[0] = true
	if got := only(t, e); got.Data[0] != 1 || got.Changed[0] {
		t.Errorf("snapshot aliases engine state: %+v", got)
	}
}

func TestTiming(t *testing.T) {
	e := New(WithWindow(4))
	at := t0
	for i := 0; i < 10; i++ {
		e.Observe(mustFrame(t, 0x55, byte(i)), at)
		at = at.Add(100 * time.Millisecond)
	}
	got := only(t, e)
	if d := got.MeanInterval - 100*time.Millisecond; d > time.Microsecond || d < -time.Microsecond {
		t.Errorf("MeanInterval = %v", got.MeanInterval)
	}
	if got.Jitter > time.Microsecond {
		t.Errorf("Jitter = %v for a regular id", got.Jitter)
	}

	e.Observe(mustFrame(t, 0x55, 0), at.Add(400*time.Millisecond))
	got = only(t, e)
	if got.Delta != 500*time.Millisecond || got.Jitter < 100*time.Millisecond {
		t.Errorf("irregular gap: Delta=%v Jitter=%v", got.Delta, got.Jitter)
	}
}

func TestEngines_AreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Observe(mustFrame(t, 0x1, 1), t0)
	if b.Len() != 0 {
		t.Error("engines share state")
	}
}

func TestEngine_ConcurrentUpdates(t *testing.T) {
	e := New()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				f, _ := can.New(uint32(g), []byte{byte(i)})
				e.Update(f)
				if i%50 == 0 {
					e.Snapshot()
				}
			}
		}(g)
	}
	wg.Wait()
	snap := e.Snapshot()
	if snap.Frames != 2000 || len(snap.Entries) != 4 {
		t.Errorf("Frames=%d entries=%d", snap.Frames, len(snap.Entries))
	}
}

func TestUpdate_UsesClock(t *testing.T) {
	e := New(WithClock(stepClock(5 * time.Millisecond)))
	e.Update(mustFrame(t, 0x200, 1))
	e.Update(mustFrame(t, 0x200, 2))

	snap := e.Snapshot()
	if want := t0.Add(10 * time.Millisecond); !snap.Taken.Equal(want) {
		t.Errorf("Taken = %v, want %v", snap.Taken, want)
	}
	got := snap.Entries[0]
	if !got.FirstSeen.Equal(t0) || !got.LastSeen.Equal(t0.Add(5*time.Millisecond)) {
		t.Errorf("first %v last %v", got.FirstSeen, got.LastSeen)
	}
	if got.Delta != 5*time.Millisecond {
		t.Errorf("Delta = %v, want 5ms", got.Delta)
	}
}

func TestRun(t *testing.T) {
	const step = 5 * time.Millisecond
	e := New(WithClock(stepClock(step)))
	frames := make(chan can.Frame)
	var mu sync.Mutex
	var renders []Snapshot
	render := func(s Snapshot) {
		mu.Lock()
		renders = append(renders, s)
		mu.Unlock()
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), frames, 10*time.Millisecond, render) }()
	frames <- mustFrame(t, 0x123, 1, 2, 3)
	frames <- mustFrame(t, 0x123, 1, 2, 4)
	time.Sleep(50 * time.Millisecond)
	close(frames)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(renders) < 2 {
		t.Fatalf("only %d renders", len(renders))
	}
	last := renders[len(renders)-1]
	if len(last.Entries) != 1 || last.Entries[0].ID != 0x123 {
		t.Fatalf("final snapshot %+v", last)
	}
	// every timestamp comes from the injected clock
	if d := last.Taken.Sub(t0); d <= 0 || d%step != 0 {
		t.Errorf("Taken %v is not a clock reading", last.Taken)
	}
	if d := last.Entries[0].Delta; d <= 0 || d%step != 0 {
		t.Errorf("Delta %v is not a multiple of the clock step", d)
	}
}

func TestRun_ContextAndTick(t *testing.T) {
	e := New()
	if err := e.Run(context.Background(), nil, 0, func(Snapshot) {}); !errors.Is(err, ErrInvalidTick) {
		t.Errorf("expected ErrInvalidTick, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx, make(chan can.Frame), time.Hour, func(Snapshot) {}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
