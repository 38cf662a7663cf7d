package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"seasieve/pkg/config"
	"seasieve/pkg/drivers"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "parse":
		return runParse(args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "state":
		return runState(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func loadConfig(path string, stderr io.Writer) (config.Config, bool) {
	cfg, _, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintln(stderr, "failed to load config:", err)
		return config.Config{}, false
	}
	return cfg, true
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// stateKey names a parser's saved state: one per driver and instrument.
func stateKey(cfg config.Config) string {
	return cfg.Parser.Driver + "/" + cfg.Parser.InstrumentID
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sieved parse [--config seasieve.toml] [--driver name] [--instrument id] [--output file.jsonl|-] [--raw] [--fresh] input")
	fmt.Fprintln(w, "  sieved serve [--config seasieve.toml] [--driver name] [--instrument id] [--mock] [--mock-hz 2]")
	fmt.Fprintln(w, "  sieved state [--config seasieve.toml] list|show key|reset key")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  parse    parse a recorded file into JSONL particles, resuming from saved state")
	fmt.Fprintln(w, "  serve    parse a live port agent stream to JSONL, websocket viewers and /metrics")
	fmt.Fprintln(w, "  state    list, show or reset saved parser state")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Drivers:", drivers.Names())
}
