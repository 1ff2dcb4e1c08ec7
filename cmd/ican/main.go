// Command ican dumps, sends, monitors and bridges CAN traffic over any
// registered transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/ican/can"
	"github.com/LoveWonYoung/ican/config"
	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/sched"
	"github.com/LoveWonYoung/ican/sniffer"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitOK        = 0
	exitTransport = 1
	exitConfig    = 2
)

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "ican",
		Short: "Dump, send and monitor CAN bus traffic",
		Long: `ican talks to a CAN bus through a driver locator:

  vcan0                              SocketCAN interface (default scheme)
  socketcan://can0?recv_own=true     SocketCAN with options
  slcan:///dev/ttyACM0?bitrate=500000  Lawicel serial adapter
  udp://10.0.0.2:20000?key=<hex>     frames tunnelled over UDP
  loop://bench                       in-process virtual bus
  file://run.cbor?realtime=false     replay of a capture written by dump --write
  ws://host:8080/ws                  bus exposed by "ican serve"

Frames are written as ID#DATA, e.g. 123#DEADBEEF or 18DAF110#023E00.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "configuration file (default $XDG_CONFIG_HOME/ican/config.yaml)")
	pf.StringVar(&a.logDir, "log-dir", "", "write logs under this directory instead of stderr")
	pf.BoolVar(&a.reconnect, "reconnect", false, "reopen the bus once after a receive failure")

	rootCmd.AddCommand(
		dumpCmd(a),
		sendCmd(a),
		monitorCmd(a),
		canopenCmd(a),
		bridgeCmd(a),
		serveCmd(a),
		versionCmd(),
	)
	return rootCmd
}

// args wraps a cobra argument validator so its failures count as usage
// errors.
func args(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := v(cmd, a); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// exitCode maps configuration mistakes to 2 and everything else to 1.
// Cancellation by signal is a clean exit.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, sched.ErrCancelled) {
		return exitOK
	}
	var oe *driver.OpError
	if errors.As(err, &oe) {
		return exitTransport
	}
	var ue usageError
	switch {
	case errors.As(err, &ue),
		driver.IsConfigError(err),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, sched.ErrInvalidRate),
		errors.Is(err, sniffer.ErrInvalidTick),
		errors.Is(err, can.ErrSyntax),
		errors.Is(err, can.ErrInvalidID),
		errors.Is(err, can.ErrInvalidLen):
		return exitConfig
	}
	return exitTransport
}
