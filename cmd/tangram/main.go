// tangram runs a process orchestration server: the process registry, its
// HTTP API, federation with peer servers and an optional WebAssembly worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tomyedwab/tangram/auth"
	"github.com/tomyedwab/tangram/client"
	"github.com/tomyedwab/tangram/config"
	"github.com/tomyedwab/tangram/federation"
	"github.com/tomyedwab/tangram/httpapi"
	"github.com/tomyedwab/tangram/node"
	"github.com/tomyedwab/tangram/registry"
	"github.com/tomyedwab/tangram/types"
	"github.com/tomyedwab/tangram/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	listen     string
	name       string
	dbPath     string
	store      string
	logLevel   string
	worker     bool
	modulesDir string
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("tangram", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "YAML or TOML config file")
	flagSet.StringVar(&opts.listen, "listen", "", "address to serve the HTTP API on")
	flagSet.StringVar(&opts.name, "name", "", "name of this server among its peers")
	flagSet.StringVar(&opts.dbPath, "db", "", "path of the process database")
	flagSet.StringVar(&opts.store, "store", "", "database backend: sqlx or zombiezen")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.BoolVar(&opts.worker, "worker", false, "run a WebAssembly worker in this server")
	flagSet.StringVar(&opts.modulesDir, "modules", "", "directory of <command>.wasm modules for the worker")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configPath); err != nil {
			return err
		}
	}
	applyFlags(flagSet, &opts, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("server", cfg.Name)
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}
	logger.Info("Starting tangram", "listen", cfg.Listen, "store", cfg.Database.Store)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(context.Background()); err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	n, err := node.New(node.Config{
		Store:            store,
		Logger:           logger,
		Lease:            cfg.Queue.Lease.Duration,
		DispatchInterval: cfg.Queue.DispatchInterval.Duration,
		HeartbeatTimeout: cfg.Queue.HeartbeatTimeout.Duration,
		SweepInterval:    cfg.Queue.SweepInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	defer n.Close()

	var secret []byte
	if cfg.Auth.SecretKeyPath != "" {
		if secret, err = auth.LoadSecretKey(cfg.Auth.SecretKeyPath); err != nil {
			return err
		}
	}

	peers := make(map[string]federation.Service, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		var clientOptions []client.ClientOption
		if secret != nil {
			clientOptions = append(clientOptions, client.WithSecret(secret, cfg.Name))
		}
		peerClient := client.NewClient(peer.URL, clientOptions...)
		peers[peer.Name] = peerClient
		logger.Info("Registered peer", "peer", peer.Name, "url", peerClient.GetBaseURL())
	}

	resolver, err := federation.New(federation.Config{
		Node:   n,
		Peers:  peers,
		Logger: logger.With("component", "federation"),
	})
	if err != nil {
		return fmt.Errorf("creating federation resolver: %w", err)
	}

	api, err := httpapi.New(httpapi.Config{
		Service:        resolver,
		Watcher:        n,
		Secret:         secret,
		Logger:         logger.With("component", "http"),
		MaxDequeueWait: cfg.Queue.MaxDequeueWait.Duration,
	})
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Run(ctx); err != nil {
			logger.Error("Background loops failed", "error", err)
		}
	}()

	if cfg.Worker.Enabled {
		runner, err := worker.NewWasmRunner(ctx, worker.WasmConfig{
			ModulesDir: cfg.Worker.ModulesDir,
			Logger:     logger.With("component", "wasm"),
		})
		if err != nil {
			return fmt.Errorf("creating wasm runner: %w", err)
		}
		defer runner.Close(context.Background())

		var route types.Route
		if len(cfg.Worker.Remotes) > 0 {
			route.Remotes = cfg.Worker.Remotes
		}
		w, err := worker.New(worker.Config{
			Service:           resolver,
			Runner:            runner,
			Logger:            logger.With("component", "worker"),
			Concurrency:       cfg.Worker.Concurrency,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval.Duration,
			Route:             route,
		})
		if err != nil {
			return fmt.Errorf("creating worker: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
		logger.Info("Worker started", "concurrency", cfg.Worker.Concurrency, "modules", cfg.Worker.ModulesDir)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	server := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Serving HTTP API", "addr", listener.Addr().String())
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		stop()
		wg.Wait()
		return fmt.Errorf("serving HTTP API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info("tangram stopped")
	return nil
}

// applyFlags overrides config values with flags given on the command line.
func applyFlags(flagSet *pflag.FlagSet, opts *options, cfg *config.Config) {
	if flagSet.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if flagSet.Changed("name") {
		cfg.Name = opts.name
	}
	if flagSet.Changed("db") {
		cfg.Database.Path = opts.dbPath
	}
	if flagSet.Changed("store") {
		cfg.Database.Store = opts.store
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flagSet.Changed("worker") {
		cfg.Worker.Enabled = opts.worker
	}
	if flagSet.Changed("modules") {
		cfg.Worker.ModulesDir = opts.modulesDir
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (registry.Store, error) {
	switch cfg.Database.Store {
	case config.StoreZombiezen:
		store, err := registry.OpenLiteStore(registry.LiteConfig{
			Path:     cfg.Database.Path,
			PoolSize: cfg.Database.PoolSize,
			Logger:   logger.With("component", "store"),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return registry.OpenSQLStore(cfg.Database.Path)
	}
}
