// Pulsesim runs the behavioral-telemetry engine against an ingestion
// backend with a simulated user attached.
//
// It loads configuration, wires the durable queue, consent gate, session
// manager, sync client, and collector, grants consent for the simulated
// user, and drives the demo loop until SIGINT or SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lovesync/pulse/internal/collector"
	"github.com/lovesync/pulse/internal/config"
	"github.com/lovesync/pulse/internal/consent"
	"github.com/lovesync/pulse/internal/demo"
	"github.com/lovesync/pulse/internal/identity"
	"github.com/lovesync/pulse/internal/queue"
	"github.com/lovesync/pulse/internal/realtime"
	"github.com/lovesync/pulse/internal/session"
	"github.com/lovesync/pulse/internal/storage"
	"github.com/lovesync/pulse/internal/upload"
)

const appVersion = "1.0.0"

func main() {
	var (
		configPath = pflag.StringP("config", "c", "/etc/pulse/pulse.toml", "Path to config TOML")
		baseURL    = pflag.String("endpoint", "", "Ingestion endpoint base URL (overrides config)")
		stream     = pflag.Bool("stream", false, "Subscribe to the realtime score stream")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *baseURL != "" {
		cfg.Endpoint.BaseURL = *baseURL
	}

	flags := log.LstdFlags | log.Lmicroseconds
	if cfg.Logging.Level == "debug" {
		flags |= log.Lshortfile
	}
	logger := log.New(os.Stdout, "pulsesim ", flags)

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		logger.Fatalf("creating storage dir: %v", err)
	}
	state, err := storage.Open(filepath.Join(cfg.Storage.Dir, "pulse.db"))
	if err != nil {
		logger.Fatalf("opening state store: %v", err)
	}
	defer state.Close()

	gate := consent.NewGate(state, logger)
	ident := identity.New(state, cfg.Identity.Salt, appVersion)

	q, err := queue.Open(cfg.Storage, state, logger)
	if err != nil {
		logger.Fatalf("opening event queue: %v", err)
	}

	uploader := upload.New(upload.Options{
		BaseURL:    cfg.Endpoint.BaseURL,
		Queue:      q,
		Logger:     logger,
		Timeout:    time.Duration(cfg.Endpoint.TimeoutSeconds) * time.Second,
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
		Backoff:    time.Duration(cfg.Sync.BackoffSeconds) * time.Second,
	})

	sessions := session.New(session.Options{
		Gate:        gate,
		Identity:    ident,
		Store:       state,
		Logger:      logger,
		IdleTimeout: time.Duration(cfg.Session.IdleTimeoutSeconds) * time.Second,
	})

	rt := realtime.New(cfg.Endpoint.BaseURL, logger)

	c := collector.New(collector.Options{
		Logger:   logger,
		Cfg:      cfg,
		Gate:     gate,
		Identity: ident,
		Queue:    q,
		Sessions: sessions,
		Uploader: uploader,
		Realtime: rt,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The simulated user agrees to everything.
	grant := true
	if err := gate.SetSettings(consent.Update{
		Enabled:        &grant,
		ScrollTracking: &grant,
		TapTracking:    &grant,
		TypingTracking: &grant,
		DataSharing:    &grant,
	}); err != nil {
		logger.Fatalf("granting consent: %v", err)
	}

	if err := c.Initialize(ctx); err != nil {
		logger.Fatalf("initializing collector: %v", err)
	}

	if uploader.Health(ctx) {
		logger.Printf("endpoint %s healthy", cfg.Endpoint.BaseURL)
	} else {
		logger.Printf("endpoint %s unreachable, events will queue locally", cfg.Endpoint.BaseURL)
	}

	runner := demo.New(c, cfg.Capture, logger)
	if *stream {
		logger.Printf("realtime score streaming enabled")
		runner.Realtime = rt
	}
	runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.Close()
	if err := c.Close(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}

	// Brief pause so in-flight log writes can flush before exit.
	time.Sleep(50 * time.Millisecond)
}
