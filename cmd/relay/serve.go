package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/channels/telegram"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/events"
	"github.com/relaylabs/relay/internal/gateway"
	"github.com/relaylabs/relay/internal/inference"
	"github.com/relaylabs/relay/internal/memory"
	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/internal/providers"
	"github.com/relaylabs/relay/internal/router"
	"github.com/relaylabs/relay/internal/security"
	"github.com/relaylabs/relay/internal/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Log)
	metrics := observability.NewMetrics()
	bus := events.NewBus(logger)
	defer bus.Close()

	// Persistence.
	var stores *store.Stores
	if cfg.Store.Driver == "memory" {
		stores = store.NewMemoryStores()
	} else {
		stores, err = store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
	}
	defer stores.Close()

	// Memory engine.
	engine := memory.NewEngine(stores.Chunks, stores.Sessions, memory.Config{
		ChunkSize: cfg.Memory.ChunkSize,
		TopK:      cfg.Memory.TopK,
		CacheSize: cfg.Memory.CacheSize,
	}, logger)
	if err := engine.WarmCache(ctx); err != nil {
		logger.Warn("cache warmup failed", "error", err)
	}
	if n, err := engine.CountChunks(ctx); err == nil {
		metrics.MemoryChunks.Set(float64(n))
	}

	// Credentials and cloud providers.
	bundle, err := security.LoadBundle(cfg.Providers.CredentialsPath, cfg.Providers.Passphrase)
	if err != nil {
		if errors.Is(err, security.ErrInvalidPassphrase) {
			return fmt.Errorf("credentials: %w", err)
		}
		logger.Warn("loading credentials failed, cloud routing disabled", "error", err)
		bundle = security.Bundle{}
	}
	providerClient := providers.NewClient(providers.ClientConfig{Logger: logger})

	// Local inference runtime.
	local := inference.NewLocal(inference.LocalConfig{
		BaseURL: cfg.Inference.BaseURL,
		Model:   cfg.Inference.Model,
		Timeout: cfg.Inference.Timeout,
		Logger:  logger,
	})

	// Router.
	rt := router.New(router.Config{
		MaxDepth:     cfg.Queue.MaxDepth,
		RouterConfig: cfg.RouterConfig(),
		Local:        &router.LocalExecutor{Engine: local},
		Cloud: &router.CloudExecutor{
			Client:      providerClient,
			Credentials: bundle,
			Provider:    cfg.Providers.Default,
			Model:       cfg.Providers.Model,
		},
		Memory:  engine,
		Bus:     bus,
		Metrics: metrics,
		Logger:  logger,
	})
	rt.Start(ctx)

	// Executor availability probes.
	go probeExecutors(ctx, rt, local, bundle, cfg.Providers.Default)

	// Config hot reload swaps the routing policy.
	watcher := config.NewWatcher(configPath, logger, func(updated *config.Config) {
		rt.UpdateConfig(updated.RouterConfig())
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	// Bot channel.
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:  cfg.Telegram.Token,
			Logger: logger,
		}, rt, bus, engine, stores.Models)
		if err != nil {
			return err
		}
		go adapter.Run(ctx)
	}

	// HTTP gateway blocks until shutdown.
	server := gateway.NewServer(gateway.ServerConfig{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout,
		Version:        cfg.Server.Version,
	}, rt, bus, stores, metrics, logger)

	err = server.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// probeExecutors keeps the router's availability flags current. The local
// flag follows runtime probes; the cloud flag follows credential
// presence.
func probeExecutors(ctx context.Context, rt *router.Router, local *inference.Local, bundle security.Bundle, defaultProvider string) {
	cloudAvailable := bundle.Secret(defaultProvider) != ""
	rt.SetExecutorStatus(nil, &cloudAvailable)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	probe := func() {
		loaded := local.Probe(ctx)
		rt.SetExecutorStatus(&loaded, nil)
	}
	probe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
