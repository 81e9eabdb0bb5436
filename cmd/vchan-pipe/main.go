// Command vchan-pipe streams stdin into a pipe or a pipe out to
// stdout, the Go equivalent of test/pipe_writer.c and
// test/pipe_reader.c merged behind one --mode flag.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oryonlabs/govchan/hv"
	"github.com/oryonlabs/govchan/vchan"
)

func main() {
	var sockPath string
	var mode string
	var pages uint8
	var peerDomid uint16
	var grantRef uint32
	var waitTimeout time.Duration
	var chunk int

	root := &cobra.Command{
		Use:   "vchan-pipe",
		Short: "Stream stdin to a pipe, or a pipe to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := hv.NewDomain(sockPath, 0)

			switch mode {
			case "write":
				p := vchan.New(domain, vchan.RoleWriter, vchan.WriterOffers)
				ref, localDomid, err := p.Offers(pages, hv.Domid(peerDomid))
				if err != nil {
					return fmt.Errorf("offers: %w", err)
				}
				fmt.Fprintf(os.Stderr, "local domain id: %d\ngrant reference: %d\nwaiting for a reader...\n", localDomid, ref)
				if err := p.WaitForPeer(waitTimeout); err != nil {
					return fmt.Errorf("wait for peer: %w", err)
				}
				defer p.Free()
				return streamIn(p, chunk)
			case "read":
				p := vchan.New(domain, vchan.RoleReader, vchan.WriterOffers)
				if err := p.Connect(pages, hv.Domid(peerDomid), grantRef); err != nil {
					return fmt.Errorf("connect: %w", err)
				}
				defer p.Free()
				return streamOut(p, chunk)
			default:
				return fmt.Errorf("--mode must be write or read, got %q", mode)
			}
		},
	}
	root.Flags().StringVar(&sockPath, "socket", "/run/vchand.sock", "control socket path")
	root.Flags().StringVar(&mode, "mode", "", "write (offerer, reads stdin) or read (receiver, writes stdout)")
	root.Flags().Uint8Var(&pages, "pages", 4, "data page count")
	root.Flags().Uint16Var(&peerDomid, "peer-domid", 0, "the other end's domain ID")
	root.Flags().Uint32Var(&grantRef, "grant-ref", 0, "offerer's grant reference (read mode only)")
	root.Flags().DurationVar(&waitTimeout, "wait", 30*time.Second, "how long an offerer waits for a reader")
	root.Flags().IntVar(&chunk, "chunk", 4096, "stdin/stdout transfer buffer size")
	root.MarkFlagRequired("mode")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func streamIn(p *vchan.Pipe, chunk int) error {
	buf := make([]byte, chunk)
	var sent uint64
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := p.WriteAll(buf[:n]); werr != nil {
				return fmt.Errorf("write: %w", werr)
			}
			sent += uint64(n)
		}
		if err == io.EOF {
			fmt.Fprintf(os.Stderr, "\n%d bytes sent\n", sent)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func streamOut(p *vchan.Pipe, chunk int) error {
	buf := make([]byte, chunk)
	var received uint64
	for {
		n, err := p.Read(buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
			received += uint64(n)
		}
		if err == io.EOF {
			fmt.Fprintf(os.Stderr, "\n%d bytes received\n", received)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
}
