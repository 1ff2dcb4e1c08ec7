package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/capture"
)

func dumpCmd(a *app) *cobra.Command {
	var (
		format     string
		write      string
		count      int
		timestamps bool
	)

	cmd := &cobra.Command{
		Use:   "dump [IFACE]",
		Short: "Print every frame received on a bus",
		Long: `Print every frame received on a bus, one per line, in arrival order.

With --write the frames are also recorded to a capture file that the
file:// driver can replay.`,
		Args: args(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			mode := a.cfg.DataFormat()
			if cmd.Flags().Changed("format") {
				m, err := can.ParseDataFormat(format)
				if err != nil {
					return usageError{err}
				}
				mode = m
			}
			if count < 0 {
				return usageError{fmt.Errorf("--count must not be negative")}
			}
			locator := a.locator(argv)
			ctx := cmd.Context()
			m := a.newMetrics(ctx, locator)

			var rec *capture.Writer
			if write != "" {
				f, err := os.Create(write)
				if err != nil {
					return err
				}
				defer f.Close()
				rec = capture.NewWriter(f)
			}

			out := bufio.NewWriter(cmd.OutOrStdout())
			defer out.Flush()

			err := a.receive(ctx, locator, "dump", m, func(frames <-chan can.Frame) error {
				return dumpFrames(frames, out, rec, mode, timestamps, count)
			})
			if rec != nil {
				if ferr := rec.Flush(); ferr != nil && err == nil {
					err = ferr
				}
				log.Printf("[dump] wrote %d frames to %s", rec.Count(), write)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "hex", "byte format: hex or binary")
	cmd.Flags().StringVarP(&write, "write", "w", "", "also record frames to this capture file")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many frames (0 = until interrupted)")
	cmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "prefix each line with the receive time")

	return cmd
}

// dumpFrames prints frames until the channel closes or count frames were
// printed. Output is flushed whenever the channel runs dry so an idle bus
// never holds lines back.
func dumpFrames(frames <-chan can.Frame, out *bufio.Writer, rec *capture.Writer, mode can.DataFormat, timestamps bool, count int) error {
	n := 0
	for {
		var (
			f  can.Frame
			ok bool
		)
		select {
		case f, ok = <-frames:
		default:
			if err := out.Flush(); err != nil {
				return err
			}
			f, ok = <-frames
		}
		if !ok {
			return nil
		}

		now := time.Now()
		if timestamps {
			fmt.Fprintf(out, "(%.6f) ", float64(now.UnixMicro())/1e6)
		}
		fmt.Fprintln(out, can.Format(f, mode))
		if rec != nil {
			if err := rec.Write(f, now); err != nil {
				return err
			}
		}
		n++
		if count > 0 && n >= count {
			return out.Flush()
		}
	}
}
