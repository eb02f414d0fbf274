package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/internal/natsutil"
	"github.com/arloliu/fleet/types"
)

// Common errors for heartbeat operations.
var (
	ErrNotStarted     = errors.New("publisher not started")
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrNoWorkerID     = errors.New("worker ID not set")
)

// Publisher writes a worker's heartbeat record to NATS KV at a fixed interval.
type Publisher struct {
	kv       jetstream.KeyValue
	prefix   string
	endpoint types.WorkerEndpoint
	interval time.Duration
	logger   types.Logger

	// lifecycle serializes Start and Stop so a restart never overlaps the
	// previous run's shutdown.
	lifecycle sync.Mutex

	mu        sync.Mutex
	started   bool
	published int
	failures  int
	stopCh    chan struct{}
	doneCh    chan struct{}
	ticker    *time.Ticker
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger for publish failures.
func WithLogger(l types.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a new heartbeat publisher.
//
// The KV bucket should be configured with a TTL of ~3x the heartbeat interval
// so a worker disappears after three missed heartbeats.
//
// Parameters:
//   - kv: JetStream KV bucket for heartbeat storage
//   - prefix: Key prefix (e.g., "workers")
//   - endpoint: Endpoint advertised to the coordinator
//   - interval: Heartbeat interval
//   - opts: Optional logger
//
// Returns:
//   - *Publisher: New heartbeat publisher instance
func New(kv jetstream.KeyValue, prefix string, endpoint types.WorkerEndpoint, interval time.Duration, opts ...Option) *Publisher {
	p := &Publisher{
		kv:       kv,
		prefix:   prefix,
		endpoint: endpoint,
		interval: interval,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins publishing heartbeats in the background.
//
// Publishes the first heartbeat immediately, then at regular intervals.
// Continues until Stop() is called. A stopped publisher can be started again.
//
// Parameters:
//   - ctx: Context bounding the first publish
//
// Returns:
//   - error: ErrAlreadyStarted if already running, ErrNoWorkerID if the endpoint has no ID
func (p *Publisher) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.endpoint.ID == "" {
		return ErrNoWorkerID
	}

	if err := p.publish(ctx); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}
	p.published++

	p.started = true
	p.ticker = time.NewTicker(p.interval)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.publishLoop(p.ticker, p.stopCh, p.doneCh)

	return nil
}

// Stop stops the publisher and deletes the heartbeat entry from KV.
//
// Blocks until the publisher goroutine exits. Deleting the key removes the
// worker from discovery without waiting for TTL expiration.
//
// Returns:
//   - error: ErrNotStarted if not running, or the delete error
func (p *Publisher) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.ticker.Stop()
	close(p.stopCh)
	done := p.doneCh
	p.started = false
	p.mu.Unlock()

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.kv.Delete(ctx, p.Key()); err != nil {
		return fmt.Errorf("stopped but failed to delete heartbeat: %w", err)
	}

	return nil
}

func (p *Publisher) publishLoop(ticker *time.Ticker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.publish(ctx)
			cancel()

			p.mu.Lock()
			if err != nil {
				p.failures++
			} else {
				p.published++
			}
			p.mu.Unlock()

			if err == nil {
				continue
			}
			if natsutil.IsConnectivityError(err) {
				p.logger.Warn("heartbeat publish failed, NATS unreachable", "worker_id", p.endpoint.ID, "error", err)
			} else {
				p.logger.Error("heartbeat publish failed", "worker_id", p.endpoint.ID, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	value, err := NewRecord(p.endpoint, time.Now()).Encode()
	if err != nil {
		return err
	}

	if _, err := p.kv.Put(ctx, p.Key(), value); err != nil {
		return fmt.Errorf("failed to publish heartbeat for %s: %w", p.endpoint.ID, err)
	}

	return nil
}

// Key returns the KV key this publisher writes.
func (p *Publisher) Key() string {
	return Key(p.prefix, p.endpoint.ID)
}

// Endpoint returns the advertised endpoint.
func (p *Publisher) Endpoint() types.WorkerEndpoint {
	return p.endpoint
}

// IsStarted returns whether the publisher is currently running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

// Stats returns the number of successful and failed publishes.
func (p *Publisher) Stats() (published, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.published, p.failures
}
