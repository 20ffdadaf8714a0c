package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"

	"github.com/selfevolve/dispatchcore/config"
	"github.com/selfevolve/dispatchcore/internal/dispatch"

	_ "github.com/selfevolve/dispatchcore/internal/handlers" // registers rule-engine, llm-config-manager, job-executor
)

// App wires the Dispatch Core component to an embedded or external NATS
// server, an optional Prometheus exposition endpoint, and an optional
// fsnotify-backed policy watcher.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsClient     *natsclient.Client

	dispatch      *dispatch.Component
	metricsServer *http.Server
	watcherCancel context.CancelFunc
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	rawConfig, err := json.Marshal(a.cfg.Dispatch)
	if err != nil {
		return fmt.Errorf("marshal dispatch config: %w", err)
	}

	comp, err := dispatch.NewComponent(rawConfig, component.Dependencies{
		NATSClient: a.natsClient,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("create dispatch component: %w", err)
	}
	a.dispatch = comp.(*dispatch.Component)

	if err := a.dispatch.Initialize(); err != nil {
		return fmt.Errorf("initialize dispatch component: %w", err)
	}
	if err := a.dispatch.Start(ctx); err != nil {
		return fmt.Errorf("start dispatch component: %w", err)
	}

	if a.cfg.Dispatch.Observability.MetricsEnabled && a.cfg.Metrics.ListenAddr != "" {
		a.startMetricsServer()
	}

	a.startPolicyWatcher(ctx)

	a.logger.Info("dispatchd components initialized")
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		client, err := natsclient.NewClient(a.cfg.NATS.URL,
			natsclient.WithName("dispatchd"),
			natsclient.WithMaxReconnects(5),
			natsclient.WithReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("create NATS client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsClient = client
		return nil
	}

	a.logger.Info("starting embedded NATS server")
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	a.embeddedServer = ns

	client, err := natsclient.NewClient(ns.ClientURL(), natsclient.WithName("dispatchd"))
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsClient = client
	return nil
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.dispatch.MetricsHandler())
	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	a.metricsServer = srv

	go func() {
		a.logger.Info("metrics endpoint listening", "addr", a.cfg.Metrics.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// startPolicyWatcher watches the project config file that
// Loader.FindProjectConfig finds from the working directory, and retunes the
// running Dispatch Core's routing policy on edit. It is a no-op when no
// project config exists. A file passed with --config is not watched.
func (a *App) startPolicyWatcher(ctx context.Context) {
	loader := config.NewLoader(a.logger)
	path := loader.FindProjectConfig()
	if path == "" {
		return
	}

	watcher, err := config.NewWatcher(path, a.cfg, a.logger)
	if err != nil {
		a.logger.Warn("policy watcher disabled", "error", err)
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.watcherCancel = cancel
	go watcher.Run(watchCtx, a.dispatch.ReloadPolicy)
}

// Shutdown gracefully stops all components. It returns false when in-flight
// work had to be abandoned, so the caller can select a non-zero exit code.
func (a *App) Shutdown(timeout time.Duration) bool {
	clean := true

	if a.watcherCancel != nil {
		a.watcherCancel()
	}

	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.metricsServer.Shutdown(shutdownCtx)
	}

	if a.dispatch != nil {
		if err := a.dispatch.Stop(timeout); err != nil {
			a.logger.Warn("dispatch component stop reported an error", "error", err)
			clean = false
		}
	}

	if a.natsClient != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.natsClient.Close(closeCtx)
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete", "clean", clean)
	return clean
}
