package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/metrics"
	"github.com/LoveWonYoung/ican/receiver"
)

func bridgeCmd(a *app) *cobra.Command {
	var bidirectional bool

	cmd := &cobra.Command{
		Use:   "bridge FROM TO",
		Short: "Forward frames from one bus to another",
		Long: `Forward every frame received on FROM to TO, for example a local
SocketCAN interface to a remote peer over udp://.

With --bidirectional frames received on TO are forwarded to FROM as well.`,
		Args: args(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			for _, loc := range argv {
				if _, err := driver.Resolve(loc); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			m := a.newMetrics(ctx, argv[0]+" > "+argv[1])

			from, err := driver.Open(argv[0])
			if err != nil {
				return err
			}
			defer from.Close()
			to, err := driver.Open(argv[1])
			if err != nil {
				return err
			}
			defer to.Close()

			log.Printf("[bridge] %s -> %s (bidirectional=%v)", argv[0], argv[1], bidirectional)
			if bidirectional {
				return bridge(ctx, m, link{from, to, argv[0], argv[1]}, link{to, from, argv[1], argv[0]})
			}
			return bridge(ctx, m, link{from, to, argv[0], argv[1]})
		},
	}

	cmd.Flags().BoolVarP(&bidirectional, "bidirectional", "b", false, "also forward TO -> FROM")

	return cmd
}

type link struct {
	src      driver.Bus
	dst      driver.Sender
	srcName  string
	destName string
}

// bridge runs one receive loop per link and stops all of them when any fails.
func bridge(ctx context.Context, m *metrics.Collector, links ...link) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, l := range links {
		wg.Add(1)
		go func(l link) {
			defer wg.Done()
			if err := forward(ctx, m, l); err != nil {
				once.Do(func() { firstErr = err })
			}
			cancel()
		}(l)
	}
	wg.Wait()
	return firstErr
}

func forward(ctx context.Context, m *metrics.Collector, l link) error {
	loop := receiver.New(l.src, receiver.WithMetrics(m))
	sub := loop.Subscribe(l.destName)

	sendErr := make(chan error, 1)
	go func() {
		defer close(sendErr)
		for f := range sub.C() {
			if err := l.dst.Send(f); err != nil {
				m.SendFailed()
				sendErr <- fmt.Errorf("forward %v to %s: %w", f, l.destName, err)
				sub.Cancel()
				loop.Stop()
				return
			}
			m.FrameSent()
		}
	}()

	err := loop.Run(ctx)
	if serr := <-sendErr; serr != nil {
		return serr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", l.srcName, err)
	}
	return nil
}
