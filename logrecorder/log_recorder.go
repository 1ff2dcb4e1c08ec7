// Package logrecorder points the standard logger at a file inside a dated
// directory and optionally rotates it on a timer.
package logrecorder

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NowString returns the current time formatted as "20060102_1504".
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir creates base/YYYY_MM_DD and returns its path.
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		if err := os.MkdirAll(fullPath, 0755); err != nil {
			return "", fmt.Errorf("create log directory: %w", err)
		}
	}
	return fullPath, nil
}

// Recorder owns the log file currently installed with log.SetOutput.
type Recorder struct {
	base   string
	prefix string

	mu   sync.Mutex
	f    *os.File
	path string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RecorderAsNameInit sets the standard logger's flags and sends its output to
// base/<date>/<prefix><time>.log.
func RecorderAsNameInit(base, prefix string) (*Recorder, error) {
	log.SetPrefix("")
	log.SetFlags(log.Lmicroseconds)

	r := &Recorder{base: base, prefix: prefix, stop: make(chan struct{})}
	if err := r.Rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

// InitAndRotate is RecorderAsNameInit plus a new file every interval.
// A non-positive interval disables rotation.
func InitAndRotate(base, prefix string, every time.Duration) (*Recorder, error) {
	r, err := RecorderAsNameInit(base, prefix)
	if err != nil {
		return nil, err
	}
	if every <= 0 {
		return r, nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Rotate(); err != nil {
					// keeps logging to the previous file
					log.Printf("[log] rotation failed: %v", err)
				}
			case <-r.stop:
				return
			}
		}
	}()
	return r, nil
}

// Rotate opens a fresh file named after the current time and switches the
// standard logger to it.
func (r *Recorder) Rotate() error {
	dir, err := MakeDir(r.base)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.prefix, NowString()))

	r.mu.Lock()
	defer r.mu.Unlock()
	if path == r.path {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	if r.f != nil {
		r.f.Close()
	}
	r.f = f
	r.path = path
	return nil
}

// Path is the file currently receiving log output.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Close stops rotation, returns the standard logger to stderr and closes the
// file.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	log.SetOutput(os.Stderr)
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
