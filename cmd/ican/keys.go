package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"

	"golang.org/x/term"
)

const ctrlC = 0x03

// keyBindings maps single key presses to actions while a live view runs.
type keyBindings struct {
	toggle func() // 't': switch hex/binary
	quit   func() // 'q' or Ctrl-C
}

// handle reads key presses from r until quit is pressed or r fails.
func (k keyBindings) handle(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		c, err := br.ReadByte()
		if err != nil {
			return
		}
		switch c {
		case 't', 'T':
			if k.toggle != nil {
				k.toggle()
			}
		case 'q', 'Q', ctrlC:
			if k.quit != nil {
				k.quit()
			}
			return
		}
	}
}

// interactive puts the terminal on stdin into raw mode and serves key
// presses until ctx ends. It returns ctx unchanged and a no-op restore when
// stdin or out is not a terminal. The returned context is cancelled by 'q'.
func interactive(ctx context.Context, out io.Writer, toggle func()) (context.Context, func()) {
	in := int(os.Stdin.Fd())
	if !isTerminal(out) || !term.IsTerminal(in) {
		return ctx, func() {}
	}
	state, err := term.MakeRaw(in)
	if err != nil {
		log.Printf("[ican] raw terminal: %v", err)
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go keyBindings{toggle: toggle, quit: cancel}.handle(os.Stdin)
	return ctx, func() {
		cancel()
		if err := term.Restore(in, state); err != nil {
			log.Printf("[ican] restore terminal: %v", err)
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
