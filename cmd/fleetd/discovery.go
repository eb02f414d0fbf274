package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/fleet"
	"github.com/arloliu/fleet/discovery/kubernetes"
	"github.com/arloliu/fleet/discovery/natskv"
	"github.com/arloliu/fleet/discovery/static"
	"github.com/arloliu/fleet/discovery/swarm"
)

// newDiscovery builds the backend named by cfg.Discovery.Backend.
//
// The returned close function releases backend resources such as the NATS
// connection; it is never nil.
func newDiscovery(ctx context.Context, cfg *fleet.Config, logger fleet.Logger) (fleet.Discovery, func(), error) {
	noop := func() {}
	d := cfg.Discovery

	switch d.Backend {
	case fleet.BackendStatic:
		disc, err := static.Parse(d.Static)
		if err != nil {
			return nil, noop, err
		}

		return disc, noop, nil

	case fleet.BackendSwarm:
		disc, err := swarm.New(d.Endpoint, cfg.ServiceName, cfg.WorkerPort, swarm.WithLogger(logger))
		if err != nil {
			return nil, noop, err
		}

		return disc, noop, nil

	case fleet.BackendKubernetes:
		disc, err := kubernetes.NewFromEndpoint(d.Endpoint, os.Getenv("KUBECONFIG"), d.Namespace,
			cfg.ServiceName, cfg.WorkerPort,
			kubernetes.WithLabelSelector(d.LabelSelector),
			kubernetes.WithLogger(logger),
		)
		if err != nil {
			return nil, noop, err
		}

		return disc, noop, nil

	case fleet.BackendNATSKV:
		nc, err := nats.Connect(d.NATSURL,
			nats.Name("fleetd"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, noop, fmt.Errorf("connect %s: %w", d.NATSURL, err)
		}

		disc, err := natskv.Connect(ctx, nc, d.Bucket, d.KeyPrefix, d.HeartbeatTTL, natskv.WithLogger(logger))
		if err != nil {
			nc.Close()
			return nil, noop, err
		}

		return disc, nc.Close, nil

	default:
		return nil, noop, fmt.Errorf("%w: unknown discovery backend %q", fleet.ErrInvalidConfig, d.Backend)
	}
}
