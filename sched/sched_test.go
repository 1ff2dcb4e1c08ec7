package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/driver"
)

// recorder notes when each Send started. hook, if set, runs inside Send.
type recorder struct {
	mu    sync.Mutex
	times []time.Time
	hook  func(n int) error
}

func (r *recorder) Send(can.Frame) error {
	r.mu.Lock()
	r.times = append(r.times, time.Now())
	n := len(r.times)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (r *recorder) sends() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

var testFrame, _ = can.New(0x123, []byte{0xDE, 0xAD})

func TestInterval(t *testing.T) {
	d, err := Interval(10)
	if err != nil || d != 100*time.Millisecond {
		t.Errorf("Interval(10) = %v, %v", d, err)
	}
	d, err = Interval(0.5)
	if err != nil || d != 2*time.Second {
		t.Errorf("Interval(0.5) = %v, %v", d, err)
	}
	for _, rate := range []float64{0, -1, 1e12} {
		if _, err := Interval(rate); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("Interval(%v): expected ErrInvalidRate, got %v", rate, err)
		}
	}
}

func TestPeriodic_InvalidRateSendsNothing(t *testing.T) {
	var r recorder
	if _, err := Periodic(&r, testFrame, -5); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if len(r.sends()) != 0 {
		t.Error("frame sent despite invalid rate")
	}
}

func TestOnce(t *testing.T) {
	var r recorder
	s := Once(&r, testFrame)
	if s.State() != Idle {
		t.Errorf("initial state %v", s.State())
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(r.sends()) != 1 || s.State() != Done || s.Stats().Sent != 1 {
		t.Errorf("sends=%d state=%v stats=%+v", len(r.sends()), s.State(), s.Stats())
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Run: %v", err)
	}
}

func TestPeriodic_NoDrift(t *testing.T) {
	for run := 0; run < 3; run++ {
		r := &recorder{hook: func(int) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}}
		s, err := Periodic(r, testFrame, 10, WithCount(5))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		times := r.sends()
		if len(times) != 5 {
			t.Fatalf("run %d: %d sends, want 5", run, len(times))
		}
		// 5ms of send latency per frame must not accumulate
		elapsed := times[4].Sub(times[0])
		if elapsed < 380*time.Millisecond || elapsed > 480*time.Millisecond {
			t.Errorf("run %d: first to last send %v, want about 400ms", run, elapsed)
		}
		if s.State() != Done {
			t.Errorf("state %v, want done", s.State())
		}
	}
}

func TestPeriodic_Overrun(t *testing.T) {
	r := &recorder{hook: func(n int) error {
		if n == 1 {
			time.Sleep(250 * time.Millisecond)
		}
		return nil
	}}
	var overruns []time.Duration
	s, err := Periodic(r, testFrame, 10, WithCount(5), OnOverrun(func(late time.Duration) {
		overruns = append(overruns, late)
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := s.Stats()
	if st.Overruns != 1 || len(overruns) != 1 {
		t.Fatalf("overruns = %d (callback %d), want 1", st.Overruns, len(overruns))
	}
	if st.MaxLate < 100*time.Millisecond {
		t.Errorf("MaxLate = %v", st.MaxLate)
	}
	times := r.sends()
	// after the slow send exactly one frame goes out immediately, then the
	// schedule realigns instead of bursting through the missed slots
	for i := 2; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 30*time.Millisecond {
			t.Errorf("burst: sends %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestPeriodic_Cancel(t *testing.T) {
	var r recorder
	s, err := Periodic(&r, testFrame, 100)
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	time.Sleep(55 * time.Millisecond)
	s.Cancel()
	s.Cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after Cancel")
	}
	if s.State() != Cancelled {
		t.Errorf("state %v, want cancelled", s.State())
	}
	n := len(r.sends())
	if n == 0 {
		t.Fatal("nothing sent before cancel")
	}
	time.Sleep(30 * time.Millisecond)
	if len(r.sends()) != n {
		t.Error("frames sent after cancel")
	}
}

func TestPeriodic_ContextCancel(t *testing.T) {
	var r recorder
	s, _ := Periodic(&r, testFrame, 50)
	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestPeriodic_CancelDuringSendCompletesSend(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	r := &recorder{hook: func(n int) error {
		if n == 1 {
			close(entered)
			<-release
		}
		return nil
	}}
	s, _ := Periodic(r, testFrame, 1000)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	<-entered
	s.Cancel()
	if s.State() != Sending {
		t.Errorf("state during send %v", s.State())
	}
	close(release)
	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if got := s.Stats().Sent; got != 1 {
		t.Errorf("Sent = %d, want 1", got)
	}
}

func TestPeriodic_SendFailureAborts(t *testing.T) {
	r := &recorder{hook: func(n int) error {
		if n == 3 {
			return &driver.OpError{Op: "send", Scheme: "loop", Target: "x", Kind: driver.ErrClosed}
		}
		return nil
	}}
	s, _ := Periodic(r, testFrame, 200)
	err := s.Run(context.Background())
	if !errors.Is(err, driver.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if s.State() != Failed {
		t.Errorf("state %v, want failed", s.State())
	}
	if got := s.Stats().Sent; got != 2 {
		t.Errorf("Sent = %d, want 2", got)
	}
	if len(r.sends()) != 3 {
		t.Errorf("schedule continued after failure: %d sends", len(r.sends()))
	}
}

func TestPeriodic_LoopbackDelivery(t *testing.T) {
	tx, err := driver.Open("loop://sched-e2e")
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()
	rx, err := driver.Open("loop://sched-e2e")
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	s, _ := Periodic(tx, testFrame, 500, WithCount(3))
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		f, err := rx.Receive()
		if err != nil || f != testFrame {
			t.Fatalf("frame %d: %v %v", i, f, err)
		}
	}
}
