package driver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LoveWonYoung/ican/capture"
	"github.com/LoveWonYoung/ican/can"
)

func writeCapture(t *testing.T, gap time.Duration, frames ...can.Frame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.cbor")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	w := capture.NewWriter(out)
	at := time.Unix(1700000000, 0)
	for _, f := range frames {
		if err := w.Write(f, at); err != nil {
			t.Fatal(err)
		}
		at = at.Add(gap)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFile_Replay(t *testing.T) {
	a, _ := can.New(0x100, []byte{1})
	b, _ := can.NewExtended(0x1ABCDEF0, []byte{2, 3})
	c, _ := can.NewRemote(0x7DF, false, 8)
	path := writeCapture(t, time.Millisecond, a, b, c)

	bus := mustOpen(t, "file://"+path+"?realtime=false")
	for i, want := range []can.Frame{a, b, c} {
		got, err := bus.Receive()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got != want {
			t.Errorf("frame %d: got %v want %v", i, got, want)
		}
	}
	if _, err := bus.Receive(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed at end of capture, got %v", err)
	}
	if err := bus.Send(a); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Send: expected ErrPermissionDenied, got %v", err)
	}
}

func TestFile_Loop(t *testing.T) {
	a, _ := can.New(0x1, []byte{0xAA})
	b, _ := can.New(0x2, []byte{0xBB})
	path := writeCapture(t, time.Millisecond, a, b)

	bus := mustOpen(t, "file://"+path+"?realtime=false&loop=true")
	for i := 0; i < 5; i++ {
		got, err := bus.Receive()
		if err != nil {
			t.Fatal(err)
		}
		want := a
		if i%2 == 1 {
			want = b
		}
		if got != want {
			t.Errorf("receive %d: got %v want %v", i, got, want)
		}
	}
}

func truncate(t *testing.T, path string, n int64) {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-n); err != nil {
		t.Fatal(err)
	}
}

func TestFile_TruncatedTail(t *testing.T) {
	a, _ := can.New(0x1, []byte{0xAA})
	b, _ := can.New(0x2, []byte{0xBB})
	path := writeCapture(t, time.Millisecond, a, b)
	truncate(t, path, 1)

	bus := mustOpen(t, "file://"+path+"?realtime=false")
	if got, err := bus.Receive(); err != nil || got != a {
		t.Fatalf("first frame: %v, %v", got, err)
	}
	_, err := bus.Receive()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after a truncated record, got %v", err)
	}

	looped := mustOpen(t, "file://"+path+"?realtime=false&loop=true")
	for i := 0; i < 3; i++ {
		if got, err := looped.Receive(); err != nil || got != a {
			t.Fatalf("loop %d: %v, %v", i, got, err)
		}
	}
}

func TestFile_RealtimeCloseUnblocks(t *testing.T) {
	a, _ := can.New(0x1, nil)
	path := writeCapture(t, time.Hour, a, a)

	bus, err := Open("file://" + path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Receive(); err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := bus.Receive()
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	bus.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive still blocked after Close")
	}
}

func TestFile_Missing(t *testing.T) {
	_, err := Open("file://" + filepath.Join(t.TempDir(), "absent.cbor"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if IsConfigError(err) {
		t.Error("missing capture is a transport error")
	}
}
