package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pinchtab/autoapply/internal/backend"
	"github.com/pinchtab/autoapply/internal/bridge"
	"github.com/pinchtab/autoapply/internal/config"
	"github.com/pinchtab/autoapply/internal/coordinator"
	"github.com/pinchtab/autoapply/internal/dashboard"
	"github.com/pinchtab/autoapply/internal/events"
	"github.com/pinchtab/autoapply/internal/handlers"
	"github.com/pinchtab/autoapply/internal/history"
	"github.com/pinchtab/autoapply/internal/platform"
	"github.com/pinchtab/autoapply/internal/session"
	"github.com/pinchtab/autoapply/internal/tabs"
	"github.com/pinchtab/autoapply/internal/transport"
	"github.com/pinchtab/autoapply/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("autoapply %s\n", version)
			os.Exit(0)
		case "config":
			if err := config.HandleConfigCommand(cfg, os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			os.Exit(0)
		case "platforms":
			if err := printPlatforms(cfg); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			os.Exit(0)
		case "serve":
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
			fmt.Fprintln(os.Stderr, "Usage: autoapply [serve|config|platforms|--version]")
			os.Exit(2)
		}
	}

	if err := run(cfg); err != nil {
		slog.Error("autoapply", "err", err)
		os.Exit(1)
	}
}

func printPlatforms(cfg *config.RuntimeConfig) error {
	if _, err := platform.LoadFile(cfg.PlatformsFile); err != nil {
		return err
	}
	for _, name := range platform.Names() {
		p, err := platform.Get(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %v\n", name, p.Domains)
	}
	return nil
}

func run(cfg *config.RuntimeConfig) error {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	overridden, err := platform.LoadFile(cfg.PlatformsFile)
	if err != nil {
		return err
	}
	if len(overridden) > 0 {
		slog.Info("platform overrides loaded", "file", cfg.PlatformsFile, "platforms", overridden)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	browserCtx, browserCancel, err := bridge.InitChrome(cfg)
	if err != nil {
		return err
	}
	defer browserCancel()

	b := bridge.New(browserCtx)
	defer b.Close()
	if err := b.Listen(); err != nil {
		return fmt.Errorf("listen for tab events: %w", err)
	}

	tracker := tabs.NewTracker(b)
	go tracker.Run(ctx)

	api := backend.New(cfg.APIBaseURL, nil)
	dash := dashboard.NewDashboard(&dashboard.Config{BufferSize: cfg.NotificationBuffer})

	var sinks []coordinator.OutcomeSink
	var hist handlers.HistoryReader

	dbPath := cfg.HistoryDB
	if !filepath.IsAbs(dbPath) {
		if dbPath, err = web.SafePath(cfg.StateDir, dbPath); err != nil {
			return fmt.Errorf("history db: %w", err)
		}
	}
	store, err := history.Open(ctx, dbPath)
	if err != nil {
		slog.Warn("history disabled", "path", dbPath, "err", err)
	} else {
		defer func() { _ = store.Close() }()
		sinks = append(sinks, store)
		hist = store
	}

	if cfg.KafkaBroker != "" {
		producer := events.NewProducer(cfg.KafkaBroker, cfg.KafkaTopic)
		defer func() { _ = producer.Close() }()
		sinks = append(sinks, producer)
		slog.Info("publishing outcomes", "broker", cfg.KafkaBroker, "topic", cfg.KafkaTopic)
	}

	var snapshots session.Snapshots
	if cfg.RedisAddr != "" {
		rs := session.NewRedisSnapshots(cfg.RedisAddr, cfg.RedisPrefix, cfg.SnapshotTTL)
		defer func() { _ = rs.Close() }()
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rs.Ping(pingCtx); err != nil {
			slog.Warn("redis unavailable, sessions will not survive restarts", "addr", cfg.RedisAddr, "err", err)
		} else {
			snapshots = rs
		}
		pingCancel()
	}

	coords := map[string]*coordinator.Coordinator{}
	hub := transport.NewHub(func(name string) (transport.Handler, bool) {
		c, ok := coords[name]
		return c, ok
	})

	for _, name := range platform.Names() {
		p, err := platform.Get(name)
		if err != nil {
			return err
		}
		c := coordinator.New(coordinator.Options{
			Platform:       p,
			Tracker:        tracker,
			Profiles:       api,
			Recorder:       api,
			Pusher:         hub,
			Notifier:       dash,
			Sinks:          sinks,
			Snapshots:      snapshots,
			DevMode:        cfg.DevMode,
			ProfileTimeout: cfg.ProfileTimeout,
			RecordTimeout:  cfg.RecordTimeout,
			LoadTimeout:    cfg.LoadTimeout,
			HealthInterval: cfg.HealthInterval,
			StuckAfter:     cfg.StuckAfter,
			IdleAfter:      cfg.IdleAfter,
		})
		tracker.Subscribe(name, c)
		coords[name] = c
	}

	if snapshots != nil {
		for name, c := range coords {
			if ok, err := c.Restore(ctx); err != nil {
				slog.Warn("restore session", "platform", name, "err", err)
			} else if ok {
				slog.Info("resumed session", "platform", name)
			}
		}
	}

	controllers := make(map[string]handlers.Controller, len(coords))
	for name, c := range coords {
		controllers[name] = c
	}
	h := handlers.New(cfg, hub, controllers, dash, hist, version)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handlers.Chain(cfg, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownOnce := &sync.Once{}
	doShutdown := func() {
		shutdownOnce.Do(func() {
			slog.Info("shutting down")
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	setupSignalHandler(doShutdown, func() {
		cancel()
		browserCancel()
	})

	slog.Info("autoapply listening", "addr", cfg.ListenAddr(), "platforms", len(coords), "dev", cfg.DevMode)
	if cfg.Token != "" {
		slog.Info("auth enabled")
	} else {
		slog.Info("auth disabled (set AUTOAPPLY_TOKEN to enable)")
	}

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}

	for _, c := range coords {
		c.Close()
	}
	return nil
}

func setupSignalHandler(shutdownFn func(), forceFn func()) {
	go func() {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		go shutdownFn()
		<-sig
		slog.Warn("force shutdown requested")
		forceFn()
		os.Exit(130)
	}()
}
