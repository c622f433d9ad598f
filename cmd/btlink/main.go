// Command btlink keeps a single serial link to a peer: it listens for an
// inbound connection, or dials one with -dial or the /dial command, and
// forwards stdin lines to the peer while printing what the peer sends.
//
// Usage:
//
//	btlink [-config path] [-transport bluez|tcp|mem] [-dial endpoint]
//	btlink -init
//
// Lines starting with "/" are commands: /dial <endpoint>, /listen, /stop,
// /state, /on, /off, /quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/btlink/internal/bluez"
	"github.com/chaz8081/btlink/internal/config"
	"github.com/chaz8081/btlink/internal/link"
	"github.com/chaz8081/btlink/internal/memnet"
	"github.com/chaz8081/btlink/internal/tcpnet"
)

// echoPeer is the node the mem transport offers for trying the link out.
const echoPeer = "echo"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/btlink/config.yaml)")
	transport := flag.String("transport", "", "override the configured transport: bluez, tcp, or mem")
	dial := flag.String("dial", "", "endpoint to connect to after startup")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *transport != "" {
		cfg.Transport = strings.ToLower(*transport)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	printBanner(cfg)

	if err := run(cfg, logger, link.Endpoint(*dial)); err != nil {
		log.Fatalf("btlink: %v", err)
	}
	log.Println("Goodbye!")
}

func run(cfg *config.Config, logger *slog.Logger, dial link.Endpoint) error {
	tr, closeTransport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTransport(); err != nil {
			logger.Warn("Transport close failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := link.DefaultOptions()
	opts.ServiceID = cfg.Service.UUID
	opts.ReadBufferSize = cfg.Link.ReadBuffer
	opts.DialTimeout = cfg.Link.DialTimeout
	opts.ListenRetries = cfg.Link.ListenRetries
	opts.ListenBackoffMax = cfg.Link.ListenBackoffMax
	opts.Logger = logger
	opts.Metrics = link.NewMetrics(reg)

	events := link.NewEventQueue()
	defer events.Close()
	mgr, err := link.NewManager(tr, events, opts)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if !mgr.IsEnabled() {
		logger.Info("Radio is off, turning it on")
		if err := mgr.Enable(); err != nil {
			return err
		}
	}
	mgr.Start()
	if dial != "" {
		if err := mgr.Dial(dial); err != nil {
			return err
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, quit := context.WithCancel(sigCtx)
	defer quit()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printEvents(ctx, os.Stdout, events.Events())
		return nil
	})
	g.Go(func() error {
		return handleInput(ctx, mgr, readLines(os.Stdin), quit)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
		})
	}

	log.Println("Ready! Type to send, /quit to exit.")
	err = g.Wait()

	// printEvents may have stopped early. Close the manager so its last state
	// change is queued, then flush the queue so its goroutine exits.
	_ = mgr.Close()
	events.Close()
	drainEvents(os.Stdout, events.Events())
	return err
}

// newTransport builds the configured transport and its cleanup.
func newTransport(cfg *config.Config, logger *slog.Logger) (link.Transport, func() error, error) {
	switch cfg.Transport {
	case "bluez":
		t, err := bluez.New(bluez.Options{
			Adapter:     cfg.Service.Adapter,
			ServiceName: cfg.Service.Name,
			Channel:     cfg.Service.Channel,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w\n\nCheck that bluetoothd is running and %s exists (bluetoothctl list).", err, cfg.Service.Adapter)
		}
		return t, t.Close, nil
	case "tcp":
		return tcpnet.New(cfg.Service.ListenAddr), func() error { return nil }, nil
	case "mem":
		n := memnet.NewNetwork()
		local, peer := n.Node("local"), n.Node(echoPeer)
		ln, err := peer.Listen(context.Background(), cfg.Service.UUID)
		if err != nil {
			return nil, nil, err
		}
		go echo(ln)
		log.Printf("In-memory transport: dial %q to reach an echo peer", echoPeer)
		return local, func() error {
			return multierr.Combine(local.Close(), peer.Close())
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// echo serves every inbound connection by sending back what it reads.
func echo(ln link.Listener) {
	for {
		s, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer s.Close()
			_, _ = io.Copy(s, s)
		}()
	}
}

// readLines feeds stdin lines to a channel that closes on EOF. The reader
// goroutine is left blocked in Read at shutdown.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// handleInput runs commands and sends everything else to the peer. It
// returns when ctx is done; EOF on stdin only stops reading.
func handleInput(ctx context.Context, mgr *link.Manager, lines <-chan string, quit func()) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			line = l
		}

		if !strings.HasPrefix(line, "/") {
			if err := mgr.Write([]byte(line + "\n")); err != nil {
				fmt.Printf("! %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
		switch cmd {
		case "dial":
			if err := mgr.Dial(link.Endpoint(strings.TrimSpace(arg))); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "listen":
			mgr.Start()
		case "stop":
			mgr.Stop()
		case "state":
			fmt.Printf("* %s (radio on: %v)\n", mgr.State(), mgr.IsEnabled())
		case "on":
			if err := mgr.Enable(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "off":
			if err := mgr.Disable(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "quit":
			quit()
			return nil
		default:
			fmt.Printf("! unknown command %q\n", cmd)
		}
	}
}

// printEvents renders link events until ctx is done or the queue closes.
func printEvents(ctx context.Context, w io.Writer, events <-chan link.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintln(w, formatEvent(ev))
		}
	}
}

// drainEvents prints whatever is left in a closed queue.
func drainEvents(w io.Writer, events <-chan link.Event) {
	for ev := range events {
		fmt.Fprintln(w, formatEvent(ev))
	}
}

func formatEvent(ev link.Event) string {
	switch ev.Kind {
	case link.EventStateChanged:
		return fmt.Sprintf("* state: %s", ev.State)
	case link.EventDataReceived:
		return fmt.Sprintf("%s> %s", ev.Remote, strings.TrimRight(string(ev.Data), "\r\n"))
	case link.EventWriteAcknowledged:
		return fmt.Sprintf("me> %s", strings.TrimRight(string(ev.Data), "\r\n"))
	case link.EventConnectionFailed:
		return fmt.Sprintf("! unable to connect to %s: %v", ev.Remote, ev.Err)
	case link.EventWriteFailed:
		return fmt.Sprintf("! send failed: %v", ev.Err)
	case link.EventListenFailed:
		return fmt.Sprintf("! cannot listen: %v", ev.Err)
	default:
		return fmt.Sprintf("* %s", ev.Kind)
	}
}

// serveMetrics exposes reg on /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== btlink ===")
	fmt.Printf("  Transport: %s\n", cfg.Transport)
	fmt.Printf("  Service:   %s (%s)\n", cfg.Service.Name, cfg.Service.UUID)
	switch cfg.Transport {
	case "bluez":
		fmt.Printf("  Adapter:   %s, channel %d\n", cfg.Service.Adapter, cfg.Service.Channel)
	case "tcp":
		fmt.Printf("  Listen:    %s\n", cfg.Service.ListenAddr)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:   http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
