package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/capture"
	"github.com/LoveWonYoung/ican/config"
	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/sched"
)

// TestMain keeps the commands away from the user's configuration file.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "ican-config")
	if err != nil {
		panic(err)
	}
	os.Setenv("XDG_CONFIG_HOME", dir)
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func execute(t *testing.T, ctx context.Context, argv ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(argv)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	_, locErr := driver.Resolve("nope://x")
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{context.Canceled, exitOK},
		{fmt.Errorf("run: %w", sched.ErrCancelled), exitOK},
		{locErr, exitConfig},
		{usageError{errors.New("accepts 1 arg")}, exitConfig},
		{fmt.Errorf("%w: tick", config.ErrInvalid), exitConfig},
		{sched.ErrInvalidRate, exitConfig},
		{fmt.Errorf("parse: %w", can.ErrSyntax), exitConfig},
		{&driver.OpError{Op: "open", Scheme: "socketcan", Target: "can9", Kind: driver.ErrNotFound}, exitTransport},
		{&driver.OpError{Op: "send", Kind: driver.ErrMalformed, Err: can.ErrInvalidLen}, exitTransport},
		{errors.New("boom"), exitTransport},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSend_Once(t *testing.T) {
	rx, err := driver.Open("loop://cli-send")
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	if _, err := execute(t, context.Background(), "send", "loop://cli-send", "123#010203"); err != nil {
		t.Fatal(err)
	}
	f, err := rx.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if want, _ := can.New(0x123, []byte{1, 2, 3}); f != want {
		t.Errorf("received %v", f)
	}
}

func TestSend_Periodic(t *testing.T) {
	rx, err := driver.Open("loop://cli-periodic")
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	if _, err := execute(t, context.Background(), "send", "loop://cli-periodic", "7DF#0201", "--rate", "100", "--count", "3"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := rx.Receive(); err != nil {
			t.Fatal(err)
		}
	}
	if got := rx.(*driver.LoopBus).Dropped(); got != 0 {
		t.Errorf("dropped %d", got)
	}
}

func TestSend_ConfigErrors(t *testing.T) {
	rx, err := driver.Open("loop://cli-bad")
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	tests := [][]string{
		{"send", "loop://cli-bad", "123#01", "--rate", "0"},
		{"send", "loop://cli-bad", "123#01", "--rate", "-3"},
		{"send", "loop://cli-bad", "123#0"},
		{"send", "loop://cli-bad", "800#01"},
		{"send", "can://cli-bad", "123#01"},
		{"send", "loop://cli-bad?colour=red", "123#01"},
		{"send", "cli-bad?colour=red", "123#01"},
		{"send"},
		{"send", "--bogus", "123#01"},
	}
	for _, argv := range tests {
		_, err := execute(t, context.Background(), argv...)
		if code := exitCode(err); code != exitConfig {
			t.Errorf("%v: exit %d (%v), want %d", argv, code, err, exitConfig)
		}
	}

	done := make(chan struct{})
	go func() {
		rx.Receive()
		close(done)
	}()
	select {
	case <-done:
		t.Error("a frame was sent despite a configuration error")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSend_MissingInterface(t *testing.T) {
	_, err := execute(t, context.Background(), "send", "socketcan://ican-test-missing0", "123#01")
	if code := exitCode(err); code != exitTransport {
		t.Errorf("exit %d (%v), want %d", code, err, exitTransport)
	}
}

func TestDump_FileReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.cbor")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := capture.NewWriter(out)
	a, _ := can.New(0x123, []byte{0x01, 0xA0})
	b, _ := can.NewExtended(0x18DAF110, []byte{0x02})
	for _, f := range []can.Frame{a, b} {
		if err := w.Write(f, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	w.Flush()
	out.Close()

	written := filepath.Join(t.TempDir(), "out.cbor")
	stdout, err := execute(t, context.Background(), "dump", "file://"+path+"?realtime=false", "--write", written)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 || lines[0] != can.Format(a, can.Hex) || lines[1] != can.Format(b, can.Hex) {
		t.Errorf("dump output:\n%s", stdout)
	}

	// the recorded capture replays the same frames
	f, err := os.Open(written)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rd := capture.NewReader(f)
	for i, want := range []can.Frame{a, b} {
		rec, err := rd.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got, _ := rec.Frame(); got != want {
			t.Errorf("record %d: %v", i, got)
		}
	}
}

func TestDump_Count(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.cbor")
	out, _ := os.Create(path)
	w := capture.NewWriter(out)
	for i := 0; i < 5; i++ {
		f, _ := can.New(uint32(i), []byte{byte(i)})
		w.Write(f, time.Now())
	}
	w.Flush()
	out.Close()

	stdout, err := execute(t, context.Background(), "dump", "file://"+path+"?realtime=false&loop=true", "-n", "7", "-f", "binary")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 7 {
		t.Fatalf("%d lines, want 7", len(lines))
	}
	if !strings.HasSuffix(lines[1], "00000001") {
		t.Errorf("binary format: %q", lines[1])
	}
}

func TestBridge_Forwards(t *testing.T) {
	src, err := driver.Open("loop://cli-bridge-a")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	dst, err := driver.Open("loop://cli-bridge-b")
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "bridge", "loop://cli-bridge-a", "loop://cli-bridge-b")
		errCh <- err
	}()

	want, _ := can.New(0x321, []byte{0xBE, 0xEF})
	// keep sending until the bridge has joined the source bus
	stopSending := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopSending:
				return
			case <-time.After(10 * time.Millisecond):
				src.Send(want)
			}
		}
	}()
	got, err := dst.Receive()
	close(stopSending)
	if err != nil || got != want {
		t.Fatalf("bridged %v, %v", got, err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("bridge: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, context.Background(), "version", "--short")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("version output %q", out)
	}
}
