package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/config"
	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/logrecorder"
	"github.com/LoveWonYoung/ican/metrics"
	"github.com/LoveWonYoung/ican/receiver"
)

var reconnectDelay = time.Second

// app carries what every command shares: the loaded configuration, the log
// recorder and the root flags.
type app struct {
	configPath string
	logDir     string
	reconnect  bool

	cfg config.Config
	rec *logrecorder.Recorder
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return usageError{err}
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.Log.Dir = a.logDir
	}
	if cmd.Flags().Changed("reconnect") {
		cfg.Reconnect = a.reconnect
	}
	a.cfg = cfg

	log.SetFlags(log.Lmicroseconds)
	if cfg.Log.Dir != "" {
		rec, err := logrecorder.InitAndRotate(cfg.Log.Dir, cfg.Log.Prefix, cfg.Log.Rotate)
		if err != nil {
			return err
		}
		a.rec = rec
	}
	return nil
}

func (a *app) teardown() {
	if a.rec != nil {
		a.rec.Close()
		a.rec = nil
	}
}

// locator picks the bus from the command line or falls back to the
// configured interface.
func (a *app) locator(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return a.cfg.Interface
}

// newMetrics returns a collector labelled with the bus, serving it on
// metrics_addr when one is configured.
func (a *app) newMetrics(ctx context.Context, locator string) *metrics.Collector {
	m := metrics.New(metrics.WithConstLabels(prometheus.Labels{"bus": locator}))
	if a.cfg.MetricsAddr == "" {
		return m
	}
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ican] metrics server: %v", err)
		}
	}()
	context.AfterFunc(ctx, func() { srv.Close() })
	return m
}

// receive opens the bus and feeds every received frame to consume in order.
// With reconnect enabled, a receive-time transport failure reopens the bus
// once; failures to open and configuration errors are never retried.
func (a *app) receive(ctx context.Context, locator, name string, m *metrics.Collector, consume func(<-chan can.Frame) error) error {
	if _, err := driver.Resolve(locator); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan can.Frame)
	consumed := make(chan error, 1)
	go func() {
		err := consume(frames)
		cancel()
		consumed <- err
	}()

	attempts := 1
	if a.cfg.Reconnect {
		attempts = 2
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Printf("[ican] %v; reconnecting to %s", err, locator)
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		var opened bool
		opened, err = receiveOnce(ctx, locator, name, m, frames)
		if err == nil || !opened || ctx.Err() != nil {
			break
		}
	}
	close(frames)
	if cerr := <-consumed; cerr != nil && !errors.Is(cerr, context.Canceled) {
		return cerr
	}
	return err
}

func receiveOnce(ctx context.Context, locator, name string, m *metrics.Collector, out chan<- can.Frame) (opened bool, err error) {
	bus, err := driver.Open(locator)
	if err != nil {
		return false, err
	}
	defer bus.Close()

	loop := receiver.New(bus, receiver.WithMetrics(m))
	sub := loop.Subscribe(name)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for f := range sub.C() {
			select {
			case out <- f:
			case <-ctx.Done():
				sub.Cancel()
				return
			}
		}
	}()
	err = loop.Run(ctx)
	<-forwarded
	if err != nil {
		return true, fmt.Errorf("%s: %w", locator, err)
	}
	return true, nil
}
