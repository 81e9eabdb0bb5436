// Command vchan-bench is the Go equivalent of test/pipe_perf.c's
// reader/writer subcommands: it streams a fixed message size for a
// fixed iteration count and reports bandwidth and AWAIT counts. Its
// reader subcommand's --notify-only flag is test/notifyer.c folded in:
// it raises the doorbell at random intervals with no ring traffic at
// all, to exercise Ssig/Wait in isolation.
package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oryonlabs/govchan/hv"
	"github.com/oryonlabs/govchan/vchan"
)

func main() {
	var sockPath string
	var pages uint8
	var peerDomid uint16
	var grantRef uint32
	var size uint32
	var iterations uint32
	var waitTimeout time.Duration
	var notifyOnly bool
	var notifyCount int

	root := &cobra.Command{Use: "vchan-bench", Short: "Pipe bandwidth benchmark"}

	writer := &cobra.Command{
		Use:   "writer",
		Short: "Offer a pipe and write size*iterations bytes into it",
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := hv.NewDomain(sockPath, 0)
			p := vchan.New(domain, vchan.RoleWriter, vchan.WriterOffers)
			ref, localDomid, err := p.Offers(pages, hv.Domid(peerDomid))
			if err != nil {
				return fmt.Errorf("offers: %w", err)
			}
			fmt.Fprintf(os.Stderr, "local domain id: %d\ngrant reference: %d\n", localDomid, ref)
			if err := p.WaitForPeer(waitTimeout); err != nil {
				return fmt.Errorf("wait for peer: %w", err)
			}
			defer p.Free()

			buf := make([]byte, size)
			for i := range buf {
				buf[i] = 'u'
			}
			start := time.Now()
			var sent uint64
			for i := uint32(0); i < iterations; i++ {
				n, err := p.WriteAll(buf)
				if err != nil {
					return fmt.Errorf("write: %w", err)
				}
				sent += uint64(n)
			}
			report(sent, time.Since(start), p.AwaitCount())
			return nil
		},
	}
	writer.Flags().Uint32Var(&size, "size", 4096, "message size in bytes")
	writer.Flags().Uint32Var(&iterations, "iterations", 1000, "number of messages")
	writer.Flags().DurationVar(&waitTimeout, "wait", 30*time.Second, "how long to wait for a reader")

	reader := &cobra.Command{
		Use:   "reader",
		Short: "Connect to a pipe and read until EOF, in size-byte chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := hv.NewDomain(sockPath, 0)
			p := vchan.New(domain, vchan.RoleReader, vchan.WriterOffers)
			if err := p.Connect(pages, hv.Domid(peerDomid), grantRef); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer p.Free()

			if notifyOnly {
				return runNotifyOnly(p, notifyCount)
			}

			buf := make([]byte, size)
			start := time.Now()
			var received uint64
			for {
				n, err := p.ReadAll(buf)
				received += uint64(n)
				if err != nil {
					report(received, time.Since(start), p.AwaitCount())
					if err == io.EOF {
						return nil
					}
					return err
				}
			}
		},
	}
	reader.Flags().Uint32Var(&size, "size", 4096, "read chunk size in bytes")
	reader.Flags().BoolVar(&notifyOnly, "notify-only", false, "raise the doorbell at random intervals instead of reading the ring (test/notifyer.c equivalent)")
	reader.Flags().IntVar(&notifyCount, "notify-count", 0, "signals to send in --notify-only mode, 0 = forever")

	for _, c := range []*cobra.Command{writer, reader} {
		c.Flags().StringVar(&sockPath, "socket", "/run/vchand.sock", "control socket path")
		c.Flags().Uint8Var(&pages, "pages", 10, "data page count")
		c.Flags().Uint16Var(&peerDomid, "peer-domid", 0, "the other end's domain ID")
	}
	reader.Flags().Uint32Var(&grantRef, "grant-ref", 0, "offerer's grant reference")
	root.AddCommand(writer, reader)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runNotifyOnly is test/notifyer.c's loop: raise the doorbell at a
// random interval, forever or until count signals have gone out, with
// no ring traffic at all. Useful for exercising Ssig/Wait on their own.
func runNotifyOnly(p *vchan.Pipe, count int) error {
	for i := 0; count == 0 || i < count; i++ {
		time.Sleep(time.Duration(1+rand.Intn(10)) * time.Second)
		if err := p.Ssig(); err != nil {
			return fmt.Errorf("ssig: %w", err)
		}
		fmt.Fprintln(os.Stderr, "signal sent")
	}
	return nil
}

func report(bytes uint64, elapsed time.Duration, awaits uint64) {
	mbps := float64(bytes) / elapsed.Seconds() / (1024 * 1024)
	fmt.Fprintf(os.Stderr, "\nbytes: %d\nelapsed: %s\nbandwidth: %.2f MB/s\nawait calls: %d\n", bytes, elapsed, mbps, awaits)
}
