package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shaunagostinho/rfsurvey/internal/csvlog"
	"github.com/shaunagostinho/rfsurvey/internal/gps"
	"github.com/shaunagostinho/rfsurvey/internal/link"
	"github.com/shaunagostinho/rfsurvey/internal/metrics"
	"github.com/shaunagostinho/rfsurvey/internal/rf"
	"github.com/shaunagostinho/rfsurvey/internal/server"
	"github.com/shaunagostinho/rfsurvey/internal/survey"
	"github.com/shaunagostinho/rfsurvey/internal/telemetry"
	"github.com/shaunagostinho/rfsurvey/internal/transport"
	"github.com/shaunagostinho/rfsurvey/web"
)

func main() {
	configPath := flag.String("config", "/etc/rfsurvey/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated GPS, attitude and channel power")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	role := flag.String("role", "", "Start immediately as \"send\" or \"receive\"")
	token := flag.String("token", "", "Print an API token for this subject and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg := server.LoadConfig(*configPath)

	if *token != "" {
		if cfg.Server.AuthSecret == "" {
			log.Fatal("[main] server.auth_secret is not set")
		}
		tok, err := server.IssueToken(cfg.Server.AuthSecret, *token, 30*24*time.Hour)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		fmt.Println(tok)
		return
	}

	setupLogging(cfg.Logging)
	log.Println("[main] rfsurvey starting")

	if *demo {
		cfg.Telemetry.Source = "demo"
		cfg.GPS.Type = "demo"
		cfg.RF.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	snap := telemetry.NewSnapshot(nil, cfg.Thresholds())
	q := cfg.NewQueue()

	// Links: one master plus optional outputs, each connected in the
	// background so the server starts regardless.
	var master *link.Link
	if cfg.Link.Master != "" {
		master = link.NewLink(cfg.Link.Master, cfg.Link.Options())
	}
	var outputs []transport.Sender
	var outputLinks []*link.Link
	for _, addr := range cfg.Link.Outputs {
		l := link.NewLink(addr, cfg.Link.Options())
		outputs = append(outputs, l)
		outputLinks = append(outputLinks, l)
	}

	opts := transport.Options{
		Outputs: outputs,
		Tag:     cfg.Link.Tag,
		Queue:   q,
		Metrics: rec,
	}
	if master != nil {
		opts.Primary = master
	}
	adapter := transport.New(opts)

	pipeline := cfg.PipelineOptions()
	pipeline.Snapshot = snap
	pipeline.Power = newPowerProvider(cfg.RF)
	pipeline.Transport = adapter
	pipeline.Queue = q
	pipeline.Sink = csvlog.New(cfg.CSV)
	pipeline.Metrics = rec
	ctrl := survey.New(pipeline)
	adapter.SetGate(ctrl)

	handler := func(m message.Message) {
		if fromLink(cfg.Telemetry.Source, m) {
			snap.HandleMessage(m)
			rec.IncCounter(metrics.TelemetryUpdates, 1)
		}
		adapter.HandleMessage(m)
	}
	if master != nil {
		go serveLink(ctx, master, handler)
	}
	for _, l := range outputLinks {
		// Outputs are read only so udpin endpoints learn their peer.
		go serveLink(ctx, l, func(message.Message) {})
	}

	startTelemetry(ctx, cfg, snap)

	if err := startRole(ctrl, *role); err != nil {
		log.Printf("[main] %v", err)
	}
	go console(ctx, ctrl, os.Stdin)

	srv := server.New(cfg, ctrl, reg, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}

	ctrl.Stop()
	if master != nil {
		master.Close()
	}
	for _, l := range outputLinks {
		l.Close()
	}
	log.Println("[main] stopped")
}

// setupLogging mirrors the process log to a rotating file when configured.
func setupLogging(cfg server.LoggingConfig) {
	if cfg.File == "" {
		return
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	log.Printf("[main] logging to %s", cfg.File)
}

func newPowerProvider(cfg server.RFConfig) rf.Provider {
	switch cfg.Type {
	case "demo", "":
		return rf.NewDemoProvider(cfg.Seed)
	default:
		log.Printf("[main] unknown rf type %q, using demo", cfg.Type)
		return rf.NewDemoProvider(cfg.Seed)
	}
}

// fromLink reports whether m feeds the snapshot for the given telemetry
// source. With a GPS source only attitude comes from the vehicle.
func fromLink(source string, m message.Message) bool {
	switch m.(type) {
	case *ardupilotmega.MessageGlobalPositionInt, *ardupilotmega.MessageGpsRawInt:
		return source == "link"
	case *ardupilotmega.MessageAttitude:
		return source == "link" || source == "gps"
	}
	return false
}

// startTelemetry starts the non-link telemetry pumps.
func startTelemetry(ctx context.Context, cfg *server.Config, snap *telemetry.Snapshot) {
	if cfg.Telemetry.Source == "link" {
		return
	}

	var gpsProv gps.Provider
	switch cfg.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		})
	case "disabled":
		gpsProv = nil
	default:
		gpsProv = gps.NewDemoGPS()
	}

	interval := time.Duration(cfg.GPS.PollMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if gpsProv != nil {
		go func() {
			if !connectWithRetry(ctx, "GPS", gpsProv, 10) {
				return
			}
			defer gpsProv.Close()
			telemetry.PollGPS(ctx, snap, gpsProv, interval)
		}()
	}
	if cfg.Telemetry.Source == "demo" {
		go telemetry.PollAttitude(ctx, snap, &telemetry.DemoAttitude{}, interval)
	}
}

// serveLink connects l and delivers its messages until ctx is cancelled,
// reconnecting whenever the link drops.
func serveLink(ctx context.Context, l *link.Link, h link.Handler) {
	for ctx.Err() == nil {
		if !connectWithRetry(ctx, l.Name(), l, 10) {
			return
		}
		c := l.Conn()
		if c == nil {
			continue
		}
		c.Run(ctx, h)
	}
}

func startRole(ctrl *survey.Controller, role string) error {
	switch role {
	case "":
		return nil
	case "send":
		ctrl.StartSend()
	case "receive":
		ctrl.StartReceive()
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}

// console dispatches operator commands typed on r.
func console(ctx context.Context, ctrl *survey.Controller, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		out, err := ctrl.Dispatch(line)
		if err != nil && out == "" {
			out = err.Error()
		}
		fmt.Println(out)
	}
}

// connectable is satisfied by gps.Provider and link.Link.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It returns false if ctx ended
// first.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return true
		}
	}
}
