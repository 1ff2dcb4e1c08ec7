package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/sniffer"
)

func monitorCmd(a *app) *cobra.Command {
	var (
		tickRate time.Duration
		format   string
	)

	cmd := &cobra.Command{
		Use:   "monitor [IFACE]",
		Short: "Show one live line per identifier with changed bytes highlighted",
		Long: `Show one line per identifier seen on the bus, redrawn at a fixed rate.

Bytes that changed in the most recent frame of an id are highlighted. A
payload length change highlights the whole payload.

On a terminal, press t to switch between hex and binary and q to quit.`,
		Args: args(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			tick := a.cfg.TickRate
			if cmd.Flags().Changed("tick-rate") {
				tick = tickRate
			}
			if tick <= 0 {
				return sniffer.ErrInvalidTick
			}
			mode := a.cfg.DataFormat()
			if cmd.Flags().Changed("format") {
				m, err := can.ParseDataFormat(format)
				if err != nil {
					return usageError{err}
				}
				mode = m
			}

			locator := a.locator(argv)
			out := cmd.OutOrStdout()
			r := newRenderer(out, locator, mode, isTerminal(out))
			ctx, restore := interactive(cmd.Context(), out, r.Toggle)
			defer restore()
			m := a.newMetrics(ctx, locator)
			engine := sniffer.New(sniffer.WithMetrics(m))
			r.Start()
			defer r.Stop()

			err := a.receive(ctx, locator, "monitor", m, func(frames <-chan can.Frame) error {
				return engine.Run(ctx, frames, tick, r.Render)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&tickRate, "tick-rate", 200*time.Millisecond, "redraw interval")
	cmd.Flags().StringVarP(&format, "format", "f", "hex", "byte format: hex or binary")

	return cmd
}
