// Package static provides a discovery backend over a fixed or externally
// updated list of workers.
package static

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/arloliu/fleet/types"
)

// Name is the backend name reported in logs and metrics.
const Name = "static"

// Discovery returns a list of workers that changes only through Update.
type Discovery struct {
	mu      sync.RWMutex
	workers []types.WorkerEndpoint
}

var _ types.Discovery = (*Discovery)(nil)

// New creates a static discovery backend.
//
// Workers without an ID get "address:port"; workers without a ContainerRef
// get a short hash of their address.
//
// Parameters:
//   - workers: Initial worker list
//
// Returns:
//   - *Discovery: Initialized backend
//
// Example:
//
//	disc := static.New([]types.WorkerEndpoint{
//	    {ID: "w1", Address: "10.0.0.11", Port: 8080},
//	    {ID: "w2", Address: "10.0.0.12", Port: 8080},
//	})
//	coord, err := fleet.NewCoordinator(&cfg, disc)
func New(workers []types.WorkerEndpoint) *Discovery {
	d := &Discovery{}
	d.Update(workers)

	return d
}

// Parse creates a static backend from "host:port" strings.
//
// Returns:
//   - *Discovery: Backend listing one worker per address
//   - error: Malformed address
func Parse(addrs []string) (*Discovery, error) {
	eps, err := ParseEndpoints(addrs)
	if err != nil {
		return nil, err
	}

	return New(eps), nil
}

// ParseEndpoints converts "host:port" strings into endpoints.
func ParseEndpoints(addrs []string) ([]types.WorkerEndpoint, error) {
	eps := make([]types.WorkerEndpoint, 0, len(addrs))
	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("static worker %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("static worker %q: invalid port", addr)
		}
		eps = append(eps, types.WorkerEndpoint{Address: host, Port: port})
	}

	return eps, nil
}

// Name returns "static".
func (d *Discovery) Name() string { return Name }

// ListLiveWorkers returns a copy of the current list. It never fails.
func (d *Discovery) ListLiveWorkers(_ context.Context) ([]types.WorkerEndpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]types.WorkerEndpoint, len(d.workers))
	copy(result, d.workers)

	return result, nil
}

// Update replaces the worker list. The next refresh applies it.
//
// Example:
//
//	disc.Update(append(current, types.WorkerEndpoint{Address: "10.0.0.13", Port: 8080}))
//	_ = coord.Refresh(ctx)
func (d *Discovery) Update(workers []types.WorkerEndpoint) {
	normalized := make([]types.WorkerEndpoint, len(workers))
	for i, w := range workers {
		if w.ID == "" {
			w.ID = net.JoinHostPort(w.Address, strconv.Itoa(w.Port))
		}
		if w.ContainerRef == "" {
			w.ContainerRef = shortRef(w.ID)
		}
		normalized[i] = w
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = normalized
}

// shortRef returns 12 hex digits of the xxh3 hash of s.
func shortRef(s string) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxh3.HashString(s))

	return hex.EncodeToString(buf[:])[:12]
}
