package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/sched"
)

func sendCmd(a *app) *cobra.Command {
	var (
		rate  float64
		count int
	)

	cmd := &cobra.Command{
		Use:   "send [IFACE] FRAME",
		Short: "Send a frame once or at a fixed rate",
		Long: `Send a frame written as ID#DATA, e.g. 123#DEADBEEF.

Ids of up to three hex digits are standard, longer ones extended.
ID#R sends a remote request. With --rate the frame repeats that many
times per second until interrupted or --count frames went out.`,
		Args: args(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			var iface []string
			if len(argv) == 2 {
				iface = argv[:1]
			}
			f, err := can.Parse(argv[len(argv)-1])
			if err != nil {
				return err
			}
			if count < 0 {
				return usageError{fmt.Errorf("--count must not be negative")}
			}
			periodic := cmd.Flags().Changed("rate")
			// an invalid rate is rejected before the bus is touched
			if periodic {
				if _, err := sched.Interval(rate); err != nil {
					return err
				}
			}

			locator := a.locator(iface)
			ctx := cmd.Context()
			m := a.newMetrics(ctx, locator)
			bus, err := driver.Open(locator)
			if err != nil {
				return err
			}
			defer bus.Close()

			opts := []sched.Option{sched.WithMetrics(m)}
			var s *sched.Schedule
			if periodic {
				s, err = sched.Periodic(bus, f, rate, append(opts, sched.WithCount(count))...)
				if err != nil {
					return err
				}
			} else {
				s = sched.Once(bus, f, opts...)
			}

			err = s.Run(ctx)
			st := s.Stats()
			if periodic {
				log.Printf("[send] %v: %d sent, %d overruns, max lateness %v", f, st.Sent, st.Overruns, st.MaxLate)
			}
			if errors.Is(err, sched.ErrCancelled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().Float64VarP(&rate, "rate", "r", 0, "frames per second (omit to send once)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "with --rate, stop after this many frames (0 = until interrupted)")

	return cmd
}
