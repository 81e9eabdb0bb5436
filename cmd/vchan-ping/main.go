// Command vchan-ping is test/ping_client.c and test/ping_server.c
// merged behind one --server flag, using package rendezvous to
// bootstrap the pipe pair instead of the original's out-of-band
// argument passing.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oryonlabs/govchan/hv"
	"github.com/oryonlabs/govchan/rendezvous"
	"github.com/oryonlabs/govchan/vchan"
)

const packetSize = 10

func main() {
	var sockPath, addr string
	var server bool
	var pages uint8
	var count int

	root := &cobra.Command{
		Use:   "vchan-ping",
		Short: "Round-trip latency probe over a rendezvous-bootstrapped pipe pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := hv.NewDomain(sockPath, 0)
			if server {
				return runServer(domain, addr, pages)
			}
			return runClient(domain, addr, pages, count)
		},
	}
	root.Flags().StringVar(&sockPath, "socket", "/run/vchand.sock", "control socket path")
	root.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "rendezvous address (listen on, or dial to)")
	root.Flags().BoolVar(&server, "server", false, "run as the echo server instead of the client")
	root.Flags().Uint8Var(&pages, "pages", 1, "data page count per direction")
	root.Flags().IntVar(&count, "count", 10, "number of ping round trips (client only)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(domain *hv.Domain, addr string, pages uint8) error {
	l, err := rendezvous.NewListener(rendezvous.ListenerConfig{
		Addr:   addr,
		Domain: domain,
		Pages:  pages,
		Handler: func(peer *net.UDPAddr, send, recv *vchan.Pipe) {
			defer send.Free()
			defer recv.Free()
			buf := make([]byte, packetSize)
			for {
				if _, err := recv.ReadAll(buf); err != nil {
					return
				}
				if _, err := send.WriteAll(buf); err != nil {
					return
				}
			}
		},
	})
	if err != nil {
		return err
	}
	defer l.Close()
	fmt.Fprintf(os.Stderr, "vchan-ping: echoing on %s\n", addr)
	return l.Serve()
}

func runClient(domain *hv.Domain, addr string, pages uint8, count int) error {
	send, recv, err := rendezvous.Dial(rendezvous.ClientConfig{ServerAddr: addr, Domain: domain, Pages: pages})
	if err != nil {
		return err
	}
	defer send.Free()
	defer recv.Free()

	out := make([]byte, packetSize)
	in := make([]byte, packetSize)
	for i := 0; i < count; i++ {
		start := time.Now()
		if _, err := send.WriteAll(out); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if _, err := recv.ReadAll(in); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("seq=%d time=%s\n", i, time.Since(start))
	}
	return nil
}
