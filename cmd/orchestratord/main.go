// Package main provides the orchestratord daemon - the cross-chain swap
// orchestrator coordinating HTLC sessions between the source and
// destination chains.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/api"
	"github.com/ppezzull/1balancer-sub000/internal/bus"
	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/config"
	"github.com/ppezzull/1balancer-sub000/internal/monitor"
	"github.com/ppezzull/1balancer-sub000/internal/quote"
	"github.com/ppezzull/1balancer-sub000/internal/secret"
	"github.com/ppezzull/1balancer-sub000/internal/session"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		configFile  = flag.String("config", "", "Config file path (YAML)")
		port        = flag.Int("port", 0, "API port, overrides config")
		stateDir    = flag.String("state-dir", "", "State directory, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("orchestratord %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load config (defaults, then file, then environment)
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *port != 0 {
		cfg.Port = *port
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{StateDir: cfg.StateDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.StateDir)

	dedupLog, seen, err := store.OpenDedupLog(config.DefaultDedupCapacity)
	if err != nil {
		log.Fatal("Failed to open dedup log", "error", err)
	}
	defer dedupLog.Close()

	// Chain clients
	srcClient, err := chain.NewEVMClient(&chain.EVMConfig{
		RPCURL:        cfg.Source.RPCURL,
		Contract:      cfg.Source.EscrowContract,
		Confirmations: cfg.Source.Confirmations,
		PollInterval:  cfg.Source.PollInterval,
		RPCTimeout:    cfg.RPCTimeout,
		MaxBackoff:    cfg.MaxBackoff,
		Cursors:       store.Cursor("src"),
	})
	if err != nil {
		log.Fatal("Failed to connect source chain", "error", err)
	}
	defer srcClient.Close()

	dstClient, err := chain.NewNEARClient(&chain.NEARConfig{
		RPCURL:        cfg.Destination.RPCURL,
		Contract:      cfg.Destination.EscrowContract,
		Confirmations: cfg.Destination.Confirmations,
		PollInterval:  cfg.Destination.PollInterval,
		RPCTimeout:    cfg.RPCTimeout,
		MaxBackoff:    cfg.MaxBackoff,
		Cursors:       store.Cursor("dst"),
	})
	if err != nil {
		log.Fatal("Failed to connect destination chain", "error", err)
	}
	defer dstClient.Close()

	// Session layer
	eventBus := bus.New(log)
	sessions := session.NewStore(store)
	secrets := secret.NewManager(store, log)
	manager := session.NewManager(sessions, secrets, eventBus, store, cfg, log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start session manager", "error", err)
	}

	// Chain event ingestion
	mon := monitor.New(
		[]chain.Client{srcClient, dstClient},
		sessions, manager, eventBus, store, dedupLog, seen,
		config.DefaultDedupCapacity, log,
	)
	if err := mon.Start(ctx); err != nil {
		log.Fatal("Failed to start chain monitor", "error", err)
	}

	// Quote engine: prefer on-chain feeds, fall back to the static table.
	var prices quote.PriceSource
	if len(cfg.PriceFeeds) > 0 {
		prices = quote.NewFeedOracle(srcClient, cfg.PriceFeeds, cfg.ProtocolFeeBPS, cfg.NetworkFeeBPS, log)
	} else {
		prices, err = quote.NewStaticPrices(cfg.StaticRates, cfg.ProtocolFeeBPS, cfg.NetworkFeeBPS)
		if err != nil {
			log.Fatal("Invalid static rate table", "error", err)
		}
	}
	quotes := quote.NewEngine(cfg.PremiumBPS, config.QuoteValidity)

	// API surface
	server := api.NewServer(cfg, manager, quotes, prices, mon, eventBus, log)
	if err := server.Start(); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	log.Info("Orchestrator started",
		"version", version,
		"port", cfg.Port,
		"src_contract", cfg.Source.EscrowContract,
		"dst_contract", cfg.Destination.EscrowContract,
		"sessions", sessions.Count(),
	)

	// Periodic status ticker
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conns := mon.Connected()
				log.Info("Status",
					"sessions", sessions.Count(),
					"src_connected", conns[chain.SideSource],
					"dst_connected", conns[chain.SideDestination],
				)
			}
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig)

	// Stop accepting new work, drain chain ingestion and session workers,
	// then close the HTTP server.
	server.Drain()
	cancel()
	mon.Wait()
	manager.Shutdown()
	if err := server.Stop(); err != nil {
		log.Error("API server shutdown error", "error", err)
	}

	log.Info("Shutdown complete")
}
