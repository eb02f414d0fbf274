// Package swarm discovers workers from the Docker Swarm task list of a service.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/types"
)

// Name is the backend name reported in logs and metrics.
const Name = "swarm"

const (
	stateRunning    = "running"
	shortIDLength   = 12
	maxResponseSize = 8 << 20
)

// Task is the subset of a Docker Engine task descriptor the backend reads.
type Task struct {
	ID           string `json:"ID"`
	Slot         int    `json:"Slot"`
	DesiredState string `json:"DesiredState"`
	Status       struct {
		State           string `json:"State"`
		ContainerStatus struct {
			ContainerID string `json:"ContainerID"`
		} `json:"ContainerStatus"`
	} `json:"Status"`
	NetworksAttachments []NetworkAttachment `json:"NetworksAttachments"`
}

// NetworkAttachment is one overlay network a task is attached to.
type NetworkAttachment struct {
	Network struct {
		Spec struct {
			Name    string `json:"Name"`
			Ingress bool   `json:"Ingress"`
		} `json:"Spec"`
	} `json:"Network"`
	Addresses []string `json:"Addresses"`
}

// Discovery lists the running tasks of one Swarm service.
type Discovery struct {
	baseURL    string
	service    string
	workerPort int
	network    string
	client     *http.Client
	logger     types.Logger
}

var _ types.Discovery = (*Discovery)(nil)

// Option configures a swarm Discovery.
type Option func(*Discovery)

// WithHTTPClient replaces the HTTP client. It overrides the unix socket dialer.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Discovery) {
		if c != nil {
			d.client = c
		}
	}
}

// WithLogger sets the logger for skipped tasks.
func WithLogger(l types.Logger) Option {
	return func(d *Discovery) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithNetwork restricts address selection to the named overlay network.
// By default the first non-ingress network with an address wins.
func WithNetwork(name string) Option {
	return func(d *Discovery) {
		d.network = name
	}
}

// New creates a swarm discovery backend.
//
// Parameters:
//   - endpoint: Docker Engine API endpoint, "unix:///var/run/docker.sock" or "http://host:2375"
//   - service: Swarm service name whose tasks are the workers
//   - workerPort: Port workers listen on inside the overlay network
//   - opts: Optional HTTP client, logger, network filter
//
// Returns:
//   - *Discovery: Initialized backend
//   - error: Unsupported endpoint scheme
//
// Example:
//
//	disc, err := swarm.New("unix:///var/run/docker.sock", "render-worker", 8080)
func New(endpoint, service string, workerPort int, opts ...Option) (*Discovery, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("swarm endpoint %q: %w", endpoint, err)
	}

	d := &Discovery{
		service:    service,
		workerPort: workerPort,
		logger:     logging.NewNop(),
	}

	switch u.Scheme {
	case "unix":
		socket := u.Path
		d.baseURL = "http://docker"
		d.client = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "unix", socket)
				},
			},
		}
	case "http", "https":
		d.baseURL = strings.TrimSuffix(u.String(), "/")
		d.client = &http.Client{Timeout: 10 * time.Second}
	case "tcp":
		d.baseURL = "http://" + u.Host
		d.client = &http.Client{Timeout: 10 * time.Second}
	default:
		return nil, fmt.Errorf("swarm endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Name returns "swarm".
func (d *Discovery) Name() string { return Name }

// ListLiveWorkers returns every task of the service that is running, is
// meant to be running, and has a non-ingress overlay address.
//
// Tasks without a usable address are skipped with a debug log.
//
// Returns:
//   - []types.WorkerEndpoint: ID is the task ID, ContainerRef the short container ID
//   - error: Transport failure, non-2xx answer or undecodable body
func (d *Discovery) ListLiveWorkers(ctx context.Context) ([]types.WorkerEndpoint, error) {
	tasks, err := d.listTasks(ctx)
	if err != nil {
		return nil, err
	}

	live := make([]types.WorkerEndpoint, 0, len(tasks))
	for _, t := range tasks {
		if t.Status.State != stateRunning || t.DesiredState != stateRunning {
			continue
		}

		addr := d.taskAddress(t)
		if addr == "" {
			d.logger.Debug("swarm task has no usable network address, skipped",
				"task_id", t.ID, "service", d.service, "slot", t.Slot)

			continue
		}

		live = append(live, types.WorkerEndpoint{
			ID:           t.ID,
			ContainerRef: shortID(t.Status.ContainerStatus.ContainerID),
			Address:      addr,
			Port:         d.workerPort,
		})
	}

	return live, nil
}

func (d *Discovery) listTasks(ctx context.Context) ([]Task, error) {
	filters, err := json.Marshal(map[string][]string{
		"service":       {d.service},
		"desired-state": {stateRunning},
	})
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("filters", string(filters))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/tasks?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxResponseSize)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(body, 512))
		return nil, fmt.Errorf("list tasks: docker api %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var tasks []Task
	if err := json.NewDecoder(body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}

	return tasks, nil
}

// taskAddress returns the task's IP on the selected overlay network, without CIDR suffix.
func (d *Discovery) taskAddress(t Task) string {
	for _, na := range t.NetworksAttachments {
		if na.Network.Spec.Ingress || na.Network.Spec.Name == "ingress" {
			continue
		}
		if d.network != "" && na.Network.Spec.Name != d.network {
			continue
		}
		for _, a := range na.Addresses {
			ip, _, _ := strings.Cut(a, "/")
			if ip != "" {
				return ip
			}
		}
	}

	return ""
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}

	return id
}
