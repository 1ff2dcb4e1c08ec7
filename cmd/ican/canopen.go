package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/canopen"
	"github.com/LoveWonYoung/ican/sniffer"
)

func canopenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canopen",
		Short: "Inspect CANopen traffic",
	}
	cmd.AddCommand(canopenMonitorCmd(a))
	return cmd
}

func canopenMonitorCmd(a *app) *cobra.Command {
	var (
		nodeID   int
		edsFile  string
		tickRate time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor [IFACE]",
		Short: "Show the objects a CANopen node transmits in its PDOs",
		Long: `Decode the transmit PDOs of one node with the default TPDO1..4 mappings
from its EDS file and show the latest value of every mapped object.

On a terminal, press q to quit.`,
		Args: args(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			if !cmd.Flags().Changed("node-id") || edsFile == "" {
				return usageError{errors.New("--node-id and --eds-file are required")}
			}
			tick := a.cfg.TickRate
			if cmd.Flags().Changed("tick-rate") {
				tick = tickRate
			}
			if tick <= 0 {
				return sniffer.ErrInvalidTick
			}
			eds, err := canopen.Load(edsFile)
			if err != nil {
				return usageError{err}
			}
			mon, err := canopen.NewMonitor(eds, nodeID)
			if err != nil {
				return usageError{err}
			}
			log.Printf("[canopen] %s: %d objects", edsFile, eds.Len())

			locator := a.locator(argv)
			out := cmd.OutOrStdout()
			r := &objectRenderer{w: out, title: locator, ansi: isTerminal(out)}
			ctx, restore := interactive(cmd.Context(), out, nil)
			defer restore()
			m := a.newMetrics(ctx, locator)
			r.Start()
			defer r.Stop()

			err = a.receive(ctx, locator, "canopen", m, func(frames <-chan can.Frame) error {
				return mon.Run(ctx, frames, tick, r.Render)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&nodeID, "node-id", "n", 0, "node id, 1 to 127")
	cmd.Flags().StringVarP(&edsFile, "eds-file", "f", "", "EDS file of the node")
	cmd.Flags().DurationVar(&tickRate, "tick-rate", 200*time.Millisecond, "redraw interval")

	return cmd
}

// objectRenderer draws canopen monitor snapshots as a table of objects.
type objectRenderer struct {
	w     io.Writer
	title string
	ansi  bool
}

func (r *objectRenderer) Start() {
	if r.ansi {
		io.WriteString(r.w, ansiHideCursor+ansiClear)
	}
}

func (r *objectRenderer) Stop() {
	if r.ansi {
		io.WriteString(r.w, ansiShowCursor)
	}
}

func (r *objectRenderer) Render(s canopen.Snapshot) {
	var b strings.Builder
	if r.ansi {
		b.WriteString(ansiClear)
	}
	state := "-"
	if s.Heartbeat {
		state = s.State.String()
	}
	fmt.Fprintf(&b, "node %d on %s  %s  %d pdos  %d frames  %s\n", s.Node, r.title, state, s.PDOs, s.Frames, s.Taken.Format("15:04:05.000"))
	fmt.Fprintf(&b, "%-8s %-4s %-32s %-20s %s\n", "OBJECT", "PDO", "NAME", "VALUE", "TYPE")
	for _, row := range s.Rows {
		fmt.Fprintf(&b, "%-8s %-4s %-32s %-20s %s\n", row.ID, fmt.Sprintf("T%d", row.PDO), row.Name, row.Value, row.Value.Type)
	}
	if !r.ansi {
		b.WriteByte('\n')
	}
	writeScreen(r.w, b.String(), r.ansi)
}
