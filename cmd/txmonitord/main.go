package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/txmonitord"
)

func main() {
	// Call the "real" main in a nested manner so deferred cleanup still
	// runs on a clean shutdown.
	if err := txmonitord.Main(os.Args); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
