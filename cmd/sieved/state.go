package main

import (
	"flag"
	"fmt"
	"io"
	"slices"

	"seasieve/pkg/statestore"
)

func runState(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "seasieve.toml", "config file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "state needs an action: list, show or reset")
		return 2
	}
	action, rest := fs.Arg(0), fs.Args()[1:]
	switch action {
	case "list":
		if len(rest) != 0 {
			fmt.Fprintln(stderr, "state list takes no arguments")
			return 2
		}
	case "show", "reset":
		if len(rest) != 1 {
			fmt.Fprintf(stderr, "state %s needs exactly one key\n", action)
			return 2
		}
	default:
		fmt.Fprintln(stderr, "unknown state action:", action)
		return 2
	}

	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 2
	}
	store, err := statestore.Open(cfg.StatePath(), cfg.State.Bucket)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer store.Close()

	keys, err := store.Keys()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	switch action {
	case "list":
		for _, key := range keys {
			fmt.Fprintln(stdout, key)
		}
		return 0
	case "show":
		st, found, err := store.Load(rest[0])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if !found {
			fmt.Fprintln(stderr, "no saved state for", rest[0])
			return 1
		}
		data, err := st.Marshal()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	default:
		// Corrupt entries can be reset too, so only key presence is checked.
		if !slices.Contains(keys, rest[0]) {
			fmt.Fprintln(stderr, "no saved state for", rest[0])
			return 1
		}
		if err := store.Delete(rest[0]); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, "reset", rest[0])
		return 0
	}
}
