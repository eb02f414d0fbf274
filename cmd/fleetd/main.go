// Command fleetd runs a fleet coordinator behind an HTTP API.
//
// Configuration is read from the YAML file named by FLEET_CONFIG (optional)
// and overridden by FLEET_* environment variables. The daemon also reads:
//
//	FLEET_LISTEN_ADDR  HTTP listen address (default ":8090")
//	FLEET_LOG_LEVEL    debug, info, warn or error (default info)
//	FLEET_LOG_FORMAT   json or text (default text)
//	KUBECONFIG         kubeconfig for the kubernetes backend outside a cluster
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/fleet"
	"github.com/arloliu/fleet/api"
	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/internal/metrics"
)

const defaultListenAddr = ":8090"

func main() {
	logger := logging.NewSlogWriter(os.Stderr, os.Getenv("FLEET_LOG_LEVEL"), os.Getenv("FLEET_LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("fleetd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger fleet.Logger) error {
	cfg, err := fleet.LoadConfig(os.Getenv("FLEET_CONFIG"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	disc, closeDisc, err := newDiscovery(ctx, &cfg, logger)
	if err != nil {
		return fmt.Errorf("discovery backend %s: %w", cfg.Discovery.Backend, err)
	}
	defer closeDisc()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord, err := fleet.NewCoordinator(&cfg, disc,
		fleet.WithLogger(logger),
		fleet.WithMetrics(metrics.NewPrometheus(reg, "fleet")),
		fleet.WithHooks(logHooks(logger)),
	)
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.NewAPI(coord, logger))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	addr := os.Getenv("FLEET_LISTEN_ADDR")
	if addr == "" {
		addr = defaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("fleetd listening", "addr", addr, "backend", disc.Name(), "service", cfg.ServiceName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	return coord.Stop(shutdownCtx)
}

func logHooks(logger fleet.Logger) *fleet.Hooks {
	return &fleet.Hooks{
		OnWorkerAdded: func(_ context.Context, w fleet.WorkerEndpoint) error {
			logger.Info("worker joined", "worker_id", w.ID, "container", w.ContainerRef, "address", w.Address)
			return nil
		},
		OnWorkerRemoved: func(_ context.Context, workerID, reason string) error {
			logger.Info("worker left", "worker_id", workerID, "reason", reason)
			return nil
		},
	}
}
