// Command binderctl is a demo/debug CLI for the binder core, the
// equivalent of go-ublk's cmd/ublk-mem for this module's protocol:
// since the shared transaction arena is a single-host mmap region with
// no cross-OS-process wiring in scope (spec §1's "out of scope"
// character-device glue), both subcommands model a two-Process binder
// conversation inside one OS process rather than spawning two.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "binderctl",
		Short: "Drive the binder IPC core without a real character device",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newCallCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
