package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"seasieve/pkg/drivers"
	"seasieve/pkg/engine"
	"seasieve/pkg/logger"
	"seasieve/pkg/parser"
	"seasieve/pkg/particle"
	"seasieve/pkg/statestore"
)

func runParse(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("parse", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "seasieve.toml", "config file")
	driverName := fs.String("driver", "", "driver name (overrides parser.driver)")
	instrument := fs.String("instrument", "", "instrument id (overrides parser.instrument_id)")
	output := fs.String("output", "", "JSONL output path, - for stdout (overrides output.path)")
	raw := fs.Bool("raw", false, "write raw particles instead of parsed ones")
	fresh := fs.Bool("fresh", false, "ignore saved state and parse from the start")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 2
	}
	if *driverName != "" {
		cfg.Parser.Driver = *driverName
	}
	if *instrument != "" {
		cfg.Parser.InstrumentID = *instrument
	}
	if *output != "" {
		cfg.Output.Path = *output
	}
	cfg.Output.Raw = cfg.Output.Raw || *raw

	input := cfg.InputPath()
	if fs.NArg() > 0 {
		input = fs.Arg(0)
	}
	if input == "" {
		fmt.Fprintln(stderr, "parse needs an input file")
		return 2
	}

	log := newLogger(cfg.Log, stderr)

	drv, err := drivers.Lookup(cfg.Parser.Driver, cfg, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	in, err := os.Open(input)
	if err != nil {
		fmt.Fprintln(stderr, "failed to open input:", err)
		return 1
	}
	defer in.Close()

	var out io.Writer = stdout
	if cfg.Output.Path != "-" {
		file, err := os.OpenFile(cfg.OutputPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(stderr, "failed to open output:", err)
			return 1
		}
		defer file.Close()
		out = file
	}

	store, err := statestore.Open(cfg.StatePath(), cfg.State.Bucket)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer store.Close()

	key := stateKey(cfg)
	var st *parser.State
	if !*fresh {
		saved, found, err := store.Load(key)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if found {
			st = saved
			log.Info("resuming", "key", key, "position", saved.Position)
		}
	}

	writer := logger.NewJSONLWriter(out)
	var (
		written    int
		exceptions int
		failed     error
	)
	p, err := parser.New(in, drv, st,
		parser.WithLogger(log),
		parser.WithReadSize(cfg.Parser.ReadSize),
		parser.WithMaxUnmatched(cfg.Parser.MaxUnmatched),
		parser.WithPublishCallback(func(ps []*particle.Particle) {
			for _, pt := range ps {
				env, err := engine.NewEnvelope(pt, cfg.Output.Raw, nowUTC())
				if err == nil {
					err = writer.Write(env)
				}
				if err != nil {
					exceptions++
					log.Warn("particle not written", "error", err)
					continue
				}
				written++
			}
		}),
		parser.WithStateCallback(func(st parser.State, end bool) {
			if failed != nil {
				return
			}
			if err := store.Save(key, st); err != nil {
				failed = err
			}
			if end {
				log.Debug("end of stream", "position", st.Position)
			}
		}),
		parser.WithExceptionCallback(func(err error) {
			exceptions++
			log.Warn("skipped data", "error", err)
		}),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for {
		records, err := p.GetRecords(ctx, cfg.Parser.Batch)
		if err != nil {
			fmt.Fprintln(stderr, "parse failed:", err)
			return 1
		}
		if failed != nil {
			fmt.Fprintln(stderr, "state not saved:", failed)
			return 1
		}
		// Short batches only happen at end of input.
		if len(records) < cfg.Parser.Batch {
			break
		}
	}

	log.Info("parse complete",
		"driver", p.Driver().Name(),
		"input", input,
		"particles", written,
		"exceptions", exceptions,
		"position", p.State().Position,
	)
	return 0
}
