// Command mccached runs a standalone mccache node: it joins the
// configured multicast group, serves a Prometheus metrics endpoint,
// and exposes cluster maintenance subcommands, each of which starts its
// own short-lived Engine to reach the cluster.
package main

import (
	"fmt"
	"os"

	"github.com/mccache/mccache-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
