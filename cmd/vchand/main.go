// Command vchand is the broker daemon: the Go-native stand-in for the
// hypervisor (grant table, event channels) and the privileged driver
// (ioctl dispatch) that spec §0/§6 assumes a real kernel provides.
// None of the other cmd/ tools can run without one reachable over
// --socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oryonlabs/govchan/hv"
)

func main() {
	var sockPath string
	var verbose bool

	root := &cobra.Command{
		Use:   "vchand",
		Short: "Run the vchan broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.StandardLogger()
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b := hv.NewBroker(hv.BrokerConfig{SocketPath: sockPath, Log: log})
			log.WithField("socket", sockPath).Info("vchand: listening")
			err := b.Serve(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	root.Flags().StringVar(&sockPath, "socket", "/run/vchand.sock", "control socket path")
	root.Flags().BoolVar(&verbose, "verbose", false, "debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
