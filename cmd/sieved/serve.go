package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"seasieve/pkg/bridge/live"
	"seasieve/pkg/drivers"
	"seasieve/pkg/engine"
	"seasieve/pkg/logger"
	"seasieve/pkg/metrics"
	"seasieve/pkg/parser"
	"seasieve/pkg/statestore"
	"seasieve/pkg/transport"
)

func runServe(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "seasieve.toml", "config file")
	driverName := fs.String("driver", "", "driver name (overrides parser.driver)")
	instrument := fs.String("instrument", "", "instrument id (overrides parser.instrument_id)")
	output := fs.String("output", "", "JSONL output path, - for stdout (overrides output.path)")
	mock := fs.Bool("mock", false, "serve a mock instrument on port_agent.addr")
	mockHz := fs.Int("mock-hz", 2, "mock instrument records per second")

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

	log := newLogger(cfg.Log, stderr)

	drv, err := drivers.Lookup(cfg.Parser.Driver, cfg, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	timings, err := cfg.PortAgentTimings()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

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

	// A live stream restarts at byte zero on every run; only driver
	// counters carry over.
	key := "live/" + stateKey(cfg)
	st, _, err := store.Load(key)
	if err != nil {
		log.Warn("discarding unreadable live state", "key", key, "error", err)
		st = nil
	}
	if st != nil {
		st.Position = 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	parserMetrics, err := metrics.NewParser(reg, drv.Name())
	if err != nil {
		fmt.Fprintln(stderr, "failed to register metrics:", err)
		return 1
	}
	hubMetrics, err := metrics.NewHub(reg)
	if err != nil {
		fmt.Fprintln(stderr, "failed to register metrics:", err)
		return 1
	}
	var metricsLn net.Listener
	if cfg.Metrics.Addr != "" {
		metricsLn, err = net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			fmt.Fprintln(stderr, "failed to listen for metrics:", err)
			return 1
		}
	}

	var inst *mockInstrument
	var mockLn net.Listener
	if *mock {
		inst, err = newMockInstrument(cfg, nowUTC())
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		mockLn, err = net.Listen("tcp", cfg.PortAgent.Addr)
		if err != nil {
			fmt.Fprintln(stderr, "failed to listen for mock instrument:", err)
			return 1
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if metricsLn != nil {
		g.Go(func() error {
			if err := metrics.Serve(gctx, metricsLn, reg); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	hub := engine.NewHub(
		engine.WithClientBuffer(cfg.Bridge.SendBuf),
		engine.WithDropHandler(hubMetrics.Dropped),
	)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	jsonl := logger.NewJSONLWriter(out, logger.WithErrorHandler(func(err error) {
		log.Warn("jsonl write failed", "error", err)
	}))
	records := hub.Subscribe(engine.Named("jsonl"), engine.Lossless())
	g.Go(func() error {
		jsonl.Consume(gctx, records.C)
		return nil
	})

	var streams []string
	if lister, ok := drv.(parser.StreamLister); ok {
		streams = lister.Streams()
	}
	bridge := live.NewServer(live.Config{
		WSAddr:  cfg.Bridge.WSAddr,
		Name:    cfg.Bridge.Name,
		Streams: streams,
		SendBuf: cfg.Bridge.SendBuf,
	}, hub, live.WithLogger(log))
	g.Go(func() error {
		if err := bridge.Run(gctx); err != nil {
			return fmt.Errorf("websocket bridge: %w", err)
		}
		return nil
	})

	if inst != nil {
		g.Go(func() error {
			runMockInstrument(gctx, mockLn, inst, *mockHz, log)
			return nil
		})
	}

	agent := transport.StartPortAgent(gctx, cfg.PortAgent.Addr,
		transport.WithReconnectInterval(timings.Reconnect),
		transport.WithReconnectMax(timings.ReconnectMax),
		transport.WithDialTimeout(timings.DialTimeout),
		transport.WithReadTimeout(timings.ReadTimeout),
		transport.WithBufferSize(cfg.PortAgent.ReaderBuf),
		transport.WithErrorHandler(func(err error) {
			log.Warn("port agent connection", "addr", cfg.PortAgent.Addr, "error", err)
		}),
		transport.WithConnectHandler(func(addr string) {
			log.Info("port agent connected", "addr", addr)
		}),
	)
	defer agent.Close()

	p, err := parser.New(agent, drv, st,
		parser.WithLogger(log),
		parser.WithMetrics(parserMetrics),
		parser.WithReadSize(cfg.Parser.ReadSize),
		parser.WithMaxUnmatched(cfg.Parser.MaxUnmatched),
		parser.WithPublishCallback(hub.PublishParticles(cfg.Output.Raw, nowUTC, func(err error) {
			log.Warn("particle not published", "error", err)
		})),
		parser.WithStateCallback(store.Callback(key, func(err error) {
			log.Error("state not saved", "key", key, "error", err)
		})),
		parser.WithExceptionCallback(func(err error) {
			log.Warn("skipped data", "error", err)
			bridge.PublishLog(live.LogLevelWarning, err.Error(), nowUTC())
		}),
	)
	if err != nil {
		cancel()
		_ = g.Wait()
		fmt.Fprintln(stderr, err)
		return 1
	}

	log.Info("serving",
		"driver", p.Driver().Name(),
		"port_agent", cfg.PortAgent.Addr,
		"ws", cfg.Bridge.WSAddr,
		"metrics", cfg.Metrics.Addr,
		"session", bridge.SessionID(),
	)
	g.Go(func() error {
		// The live stream only runs dry once the port agent is closed.
		defer cancel()
		for !p.Exhausted() {
			if _, err := p.GetRecords(gctx, 1); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("parse failed: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
