package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/metrics"
	"github.com/LoveWonYoung/ican/receiver"
	"github.com/LoveWonYoung/ican/server"
)

func serveCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve [IFACE]",
		Short: "Expose a bus over websocket with Prometheus metrics",
		Long: `Expose a bus over HTTP:

  /ws       websocket bridge, open it with the ws:// driver
  /metrics  Prometheus metrics
  /healthz  liveness check`,
		Args: args(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			locator := a.locator(argv)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// /metrics on the listen address replaces metrics_addr here
			m := metrics.New(metrics.WithConstLabels(prometheus.Labels{"bus": locator}))
			bus, err := driver.Open(locator)
			if err != nil {
				return err
			}
			defer bus.Close()

			loop := receiver.New(bus, receiver.WithMetrics(m))
			srv := server.New(bus, loop, m)

			loopErr := make(chan error, 1)
			go func() {
				err := loop.Run(ctx)
				cancel()
				loopErr <- err
			}()

			serr := srv.ListenAndServe(ctx, listen)
			cancel()
			if err := <-loopErr; err != nil {
				return err
			}
			if serr != nil {
				return fmt.Errorf("serve %s: %w", listen, serr)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "HTTP listen address")

	return cmd
}
