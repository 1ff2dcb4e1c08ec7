package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/sniffer"
)

const (
	ansiClear      = "\033[H\033[2J"
	ansiHideCursor = "\033[?25l"
	ansiShowCursor = "\033[?25h"
	ansiChanged    = "\033[1;31m"
	ansiLenChanged = "\033[1;33m"
	ansiReset      = "\033[0m"
)

// renderer draws sniffer snapshots. On a terminal every snapshot replaces the
// previous one; otherwise snapshots are appended as plain text blocks.
type renderer struct {
	w     io.Writer
	title string
	ansi  bool

	mu   sync.Mutex
	mode can.DataFormat
}

func newRenderer(w io.Writer, title string, mode can.DataFormat, ansi bool) *renderer {
	return &renderer{w: w, title: title, mode: mode, ansi: ansi}
}

func (r *renderer) Start() {
	if r.ansi {
		io.WriteString(r.w, ansiHideCursor+ansiClear)
	}
}

func (r *renderer) Stop() {
	if r.ansi {
		io.WriteString(r.w, ansiShowCursor)
	}
}

// Toggle switches the DATA column to the next format.
func (r *renderer) Toggle() {
	r.mu.Lock()
	r.mode = r.mode.Next()
	r.mu.Unlock()
}

func (r *renderer) Render(s sniffer.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	if r.ansi {
		b.WriteString(ansiClear)
	}
	fmt.Fprintf(&b, "%s  %d ids  %d frames  %s\n", r.title, len(s.Entries), s.Frames, s.Taken.Format("15:04:05.000"))
	fmt.Fprintf(&b, "%-8s %-4s %-*s %9s %8s %9s\n", "ID", "DLC", r.dataWidth(), "DATA", "DELTA", "COUNT", "JITTER")
	for _, e := range s.Entries {
		r.line(&b, e)
	}
	if !r.ansi {
		b.WriteByte('\n')
	}
	writeScreen(r.w, b.String(), r.ansi)
}

// writeScreen writes text, ending lines with CRLF on a terminal that may be
// in raw mode.
func writeScreen(w io.Writer, text string, ansi bool) {
	if ansi {
		text = strings.ReplaceAll(text, "\n", "\r\n")
	}
	io.WriteString(w, text)
}

func (r *renderer) line(b *strings.Builder, e sniffer.Entry) {
	id := fmt.Sprintf("%03X", e.ID)
	if e.Extended {
		id = fmt.Sprintf("%08X", e.ID)
	}
	fmt.Fprintf(b, "%-8s [%d]  ", id, len(e.Data))

	width := 0
	for i, v := range e.Data {
		if i > 0 {
			b.WriteByte(' ')
			width++
		}
		text := can.FormatByte(v, r.mode)
		width += len(text)
		switch {
		case !r.ansi || i >= len(e.Changed) || !e.Changed[i]:
			b.WriteString(text)
		case e.LenChanged:
			b.WriteString(ansiLenChanged + text + ansiReset)
		default:
			b.WriteString(ansiChanged + text + ansiReset)
		}
	}
	if e.Remote {
		b.WriteString(" R")
		width += 2
	}
	if pad := r.dataWidth() - width; pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	fmt.Fprintf(b, " %9s %8d %9s\n", millis(e.Delta), e.Count, millis(e.Jitter))
}

// dataWidth is the widest possible DATA column for the current mode.
func (r *renderer) dataWidth() int {
	per := 2
	if r.mode == can.Binary {
		per = 8
	}
	return can.MaxDataLen*(per+1) - 1
}

func millis(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}
