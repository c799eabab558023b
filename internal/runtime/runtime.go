// Package runtime assembles the autovoiced daemon: embedded bus, shared
// store, playback journal, tab registry, stream gateway and playback
// coordinator, plus the HTTP surface for health and metrics. Components
// start in dependency order and shut down in reverse.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autovoice/autovoice-core/internal/backend"
	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/coordinator"
	"github.com/autovoice/autovoice-core/internal/gateway"
	"github.com/autovoice/autovoice-core/internal/journal"
	"github.com/autovoice/autovoice-core/internal/natsserver"
	"github.com/autovoice/autovoice-core/internal/store"
	"github.com/autovoice/autovoice-core/internal/tabs"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	checks        []func() bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled. All wiring failures surface
// here; once everything is up the runtime blocks and tears down in reverse
// construction order on the way out.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		defer embedded.Shutdown()
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()
	r.checks = append(r.checks, busClient.Healthy)

	kv, err := store.Open(ctx, r.cfg.Snapshots, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	journalStore, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journalStore.Close()

	registry, err := tabs.NewRegistry(ctx, r.cfg.Tabs, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start tab registry: %w", err)
	}
	defer registry.Close()
	r.checks = append(r.checks, registry.Healthy)

	backendClient := backend.New(r.cfg.Backend, func(ctx context.Context) (string, error) {
		return store.LoadAuthToken(ctx, kv)
	}, r.logger)

	streamGateway := gateway.NewService(ctx, r.cfg.Gateway, busClient, backendClient, r.logger)
	if err := streamGateway.Start(); err != nil {
		return fmt.Errorf("start stream gateway: %w", err)
	}
	defer streamGateway.Close()
	r.checks = append(r.checks, streamGateway.Healthy)

	coord := coordinator.NewService(ctx, r.cfg.Coordinator, busClient, journalStore, kv, r.logger)
	if err := coord.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Close()
	r.checks = append(r.checks, coord.Healthy)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) healthy() bool {
	for _, check := range r.checks {
		if !check() {
			return false
		}
	}
	return true
}
