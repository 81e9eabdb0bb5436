// Command vchan-getdomid is the Go equivalent of
// test/getdomid.c: it prints this host's domain ID as the broker
// assigns it, or the --domid value when that is set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oryonlabs/govchan/hv"
)

func main() {
	var sockPath string
	var preset uint16

	root := &cobra.Command{
		Use:   "vchan-getdomid",
		Short: "Print this host's domain ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := hv.NewDomain(sockPath, hv.Domid(preset))
			id, err := d.Domid()
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	root.Flags().StringVar(&sockPath, "socket", "/run/vchand.sock", "control socket path")
	root.Flags().Uint16Var(&preset, "domid", 0, "pin the domain ID instead of asking the broker")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
