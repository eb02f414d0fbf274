// Command fleet-worker is a demo worker implementing the fleet worker contract.
//
// It serves GET /status and POST /query, runs one job at a time, and, when
// FLEET_NATS_URL is set, heartbeats its endpoint into the natskv bucket.
//
//	WORKER_ID            worker id (default: hostname)
//	WORKER_ADDR          advertised address (default: first non-loopback IPv4)
//	WORKER_PORT          listen and advertised port (default 8080)
//	WORKER_JOB_DURATION  simulated job duration (default 2s)
//	FLEET_NATS_URL       NATS server for heartbeats (optional)
//	FLEET_DISCOVERY_BUCKET, FLEET_DISCOVERY_KEY_PREFIX, FLEET_HEARTBEAT_TTL
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/fleet"
	"github.com/arloliu/fleet/internal/heartbeat"
	"github.com/arloliu/fleet/internal/kvutil"
	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/types"
)

func main() {
	logger := logging.NewSlogWriter(os.Stderr, os.Getenv("FLEET_LOG_LEVEL"), os.Getenv("FLEET_LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("fleet-worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger fleet.Logger) error {
	ep, jobDuration, err := endpointFromEnv()
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	w := newWorker(ep.ID, jobDuration, logger)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(ep.Port),
		Handler:           w.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("worker listening", "worker_id", ep.ID, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if url := os.Getenv("FLEET_NATS_URL"); url != "" {
		pub, closeFn, err := startHeartbeat(ctx, url, ep, logger)
		if err != nil {
			return err
		}
		defer closeFn()
		defer func() {
			if err := pub.Stop(); err != nil {
				logger.Warn("heartbeat stop", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func startHeartbeat(ctx context.Context, url string, ep types.WorkerEndpoint, logger fleet.Logger) (*heartbeat.Publisher, func(), error) {
	cfg := fleet.DefaultConfig()
	if err := fleet.ApplyEnv(&cfg); err != nil {
		return nil, nil, err
	}

	nc, err := nats.Connect(url, nats.Name("fleet-worker-"+ep.ID), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	kv, err := kvutil.OpenBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:  cfg.Discovery.Bucket,
		History: 1,
		TTL:     cfg.Discovery.HeartbeatTTL,
	})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	pub := heartbeat.New(kv, cfg.Discovery.KeyPrefix, ep, cfg.Discovery.HeartbeatTTL/3, heartbeat.WithLogger(logger))
	if err := pub.Start(ctx); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logger.Info("heartbeat started", "bucket", cfg.Discovery.Bucket, "key", pub.Key())

	return pub, nc.Close, nil
}

func endpointFromEnv() (types.WorkerEndpoint, time.Duration, error) {
	ep := types.WorkerEndpoint{ID: os.Getenv("WORKER_ID"), Address: os.Getenv("WORKER_ADDR"), Port: 8080}

	if ep.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return ep, 0, fmt.Errorf("worker id: %w", err)
		}
		ep.ID = host
	}
	ep.ContainerRef = ep.ID

	if v := os.Getenv("WORKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return ep, 0, fmt.Errorf("WORKER_PORT: invalid port %q", v)
		}
		ep.Port = port
	}

	if ep.Address == "" {
		ep.Address = firstIPv4()
	}

	jobDuration := 2 * time.Second
	if v := os.Getenv("WORKER_JOB_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ep, 0, fmt.Errorf("WORKER_JOB_DURATION: %w", err)
		}
		jobDuration = d
	}

	return ep, jobDuration, nil
}

func firstIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}

	return "127.0.0.1"
}
