// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package main runs the exchange indexer: the ingestion pipeline, the
// websocket gateway and the HTTP read endpoints, wired over one store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/luxfi/dexindexer/api"
	"github.com/luxfi/dexindexer/bridge"
	"github.com/luxfi/dexindexer/cache"
	"github.com/luxfi/dexindexer/config"
	"github.com/luxfi/dexindexer/depth"
	"github.com/luxfi/dexindexer/gateway"
	"github.com/luxfi/dexindexer/pipeline"
	"github.com/luxfi/dexindexer/ratelimit"
	"github.com/luxfi/dexindexer/storage"
)

var version = "dev"

// eventFiles collects repeated -events flags of the form
// "<chainID>=<path>", one NDJSON event file per chain.
type eventFiles map[uint64]string

func (f eventFiles) String() string {
	parts := make([]string, 0, len(f))
	for id, path := range f {
		parts = append(parts, fmt.Sprintf("%d=%s", id, path))
	}
	return strings.Join(parts, ",")
}

func (f eventFiles) Set(value string) error {
	chainPart, path, ok := strings.Cut(value, "=")
	if !ok || path == "" {
		return fmt.Errorf("expected <chainID>=<path>, got %q", value)
	}
	chainID, err := strconv.ParseUint(chainPart, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id %q: %w", chainPart, err)
	}
	f[chainID] = path
	return nil
}

func main() {
	events := make(eventFiles)
	var (
		configPath  = flag.String("config", "config.yaml", "Path to the YAML configuration")
		logLevel    = flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
		pretty      = flag.Bool("pretty", false, "Human-readable console logging")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Var(events, "events", "NDJSON event source as <chainID>=<path>, repeatable")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dexindexer %s\n", version)
		os.Exit(0)
	}

	godotenv.Load()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	var out zerolog.Logger
	if *pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		out = zerolog.New(os.Stderr)
	}
	log := out.Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	for chainID := range events {
		found := false
		for _, chain := range cfg.Chains {
			if chain.ChainID == chainID {
				found = true
				break
			}
		}
		if !found {
			log.Fatal().Uint64("chain", chainID).Msg("event source for unconfigured chain")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, events, log); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("indexer failed")
	}
	log.Info().Msg("indexer stopped")
}

func run(ctx context.Context, cfg *config.Config, events eventFiles, log zerolog.Logger) error {
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	log.Info().Str("backend", string(cfg.Storage.Backend)).Msg("storage ready")

	agg := depth.New(log)
	correlator := bridge.New(log)
	limiter := ratelimit.New(store, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window.Std(), log)

	server := api.NewServer(store, agg, nil, limiter, nil, log)
	meta := cache.NewMetadata(cfg.Cache.TTL.Std(), server.PoolLoader(), log)
	server.SetCache(meta)

	hub := gateway.NewHub(gateway.Config{
		JWTSecret:         []byte(cfg.Gateway.JWTSecret),
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval.Std(),
		ControlInterval:   cfg.Gateway.ControlInterval.Std(),
		ControlBurst:      cfg.Gateway.ControlBurst,
	}, server, log)
	server.SetHub(hub)

	registry := pipeline.NewRegistry()
	pipeline.NewHandlers(agg, correlator, meta, log).Register(registry)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	errCh := make(chan error, 1+len(cfg.Chains))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx, cfg.Gateway.Listen); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for _, chain := range cfg.Chains {
		path, ok := events[chain.ChainID]
		if !ok {
			log.Warn().Uint64("chain", chain.ChainID).Msg("no event source, chain idle")
			continue
		}
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("chain %d events: %w", chain.ChainID, err)
		}
		gate := pipeline.NewSyncGate(chain.LiveThreshold, log)
		pipe := pipeline.New(store, registry, gate, hub, chain.Contracts, log)
		src := pipeline.NewStreamSource(file)

		wg.Add(1)
		go func(chainID uint64) {
			defer wg.Done()
			defer file.Close()
			if err := pipe.RunChain(ctx, chainID, src); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("chain %d: %w", chainID, err)
			}
		}(chain.ChainID)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}
