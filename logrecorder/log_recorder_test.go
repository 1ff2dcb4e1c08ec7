package logrecorder

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNowString(t *testing.T) {
	s := NowString()
	if _, err := time.Parse("20060102_1504", s); err != nil {
		t.Errorf("NowString() = %q: %v", s, err)
	}
}

func TestMakeDir(t *testing.T) {
	base := t.TempDir()
	dir, err := MakeDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(dir) != base {
		t.Errorf("dir %s not under %s", dir, base)
	}
	if _, err := time.Parse("2006_01_02", filepath.Base(dir)); err != nil {
		t.Errorf("directory name %q is not a date", filepath.Base(dir))
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("directory missing: %v", err)
	}
	// second call reuses the directory
	if again, err := MakeDir(base); err != nil || again != dir {
		t.Errorf("MakeDir again: %s %v", again, err)
	}
}

func TestRecorder_WritesLog(t *testing.T) {
	base := t.TempDir()
	r, err := RecorderAsNameInit(base, "test_")
	if err != nil {
		t.Fatal(err)
	}
	log.Printf("[test] hello from the recorder")
	path := r.Path()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(filepath.Base(path), "test_") || filepath.Ext(path) != ".log" {
		t.Errorf("unexpected log file name %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from the recorder") {
		t.Errorf("log file content %q", data)
	}
	if log.Flags() != log.Lmicroseconds {
		t.Errorf("log flags %d", log.Flags())
	}
}

func TestInitAndRotate_Stops(t *testing.T) {
	r, err := InitAndRotate(t.TempDir(), "rot_", 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the rotation goroutine")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRecorder_BadBase(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := RecorderAsNameInit(file, "x_"); err == nil {
		t.Error("expected error for a base that is a file")
	}
}
