// Command relayctl is an administrative CLI against a relay's spool: list
// queued message ids, list quarantined (failed) messages, release
// quarantined messages back for retry, or prune orphaned spool files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/infodancer/relay/internal/config"
	"github.com/infodancer/relay/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.ParseFlags()
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: relayctl [-config path] <ids|failures|unfail|rescan>")
	}

	st, err := store.Open(store.Config{Dir: cfg.Store.Dir, MaxSize: cfg.Store.MaxSize})
	if err != nil {
		return fmt.Errorf("opening spool: %w", err)
	}

	switch args[0] {
	case "ids":
		ids, err := st.Ids()
		if err != nil {
			return fmt.Errorf("listing messages: %w", err)
		}
		for _, id := range ids {
			fmt.Println(id.String())
		}
	case "failures":
		ids, err := st.Failures()
		if err != nil {
			return fmt.Errorf("listing failures: %w", err)
		}
		for _, id := range ids {
			fmt.Println(id.String())
		}
	case "unfail":
		n, err := st.UnfailAll()
		if err != nil {
			return fmt.Errorf("releasing quarantined messages: %w", err)
		}
		fmt.Printf("released %d message(s)\n", n)
	case "rescan":
		if err := st.Rescan(); err != nil {
			return fmt.Errorf("rescanning spool: %w", err)
		}
		fmt.Println("rescan complete")
	default:
		return fmt.Errorf("unknown command %q: usage: relayctl [-config path] <ids|failures|unfail|rescan>", args[0])
	}
	return nil
}
