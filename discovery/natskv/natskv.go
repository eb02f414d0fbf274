// Package natskv discovers workers from heartbeat records in a NATS JetStream KV bucket.
//
// Each worker runs a heartbeat publisher that writes its endpoint under
// {prefix}.{workerID}. The bucket TTL removes keys of workers that stop
// publishing, so the set of keys is the set of live workers.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/fleet/internal/heartbeat"
	"github.com/arloliu/fleet/internal/kvutil"
	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/internal/natsutil"
	"github.com/arloliu/fleet/types"
)

// Name is the backend name reported in logs and metrics.
const Name = "natskv"

// Discovery lists heartbeat records from a KV bucket.
type Discovery struct {
	kv     jetstream.KeyValue
	prefix string
	maxAge time.Duration
	now    func() time.Time
	logger types.Logger
}

var _ types.Discovery = (*Discovery)(nil)

// Option configures a natskv Discovery.
type Option func(*Discovery)

// WithLogger sets the logger for skipped records.
func WithLogger(l types.Logger) Option {
	return func(d *Discovery) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMaxAge skips records whose timestamp is older than maxAge.
//
// Useful when the bucket has no TTL. Zero disables the check.
func WithMaxAge(maxAge time.Duration) Option {
	return func(d *Discovery) {
		d.maxAge = maxAge
	}
}

// WithClock sets the time source used by WithMaxAge.
func WithClock(c types.Clock) Option {
	return func(d *Discovery) {
		if c != nil {
			d.now = c.Now
		}
	}
}

// New creates a backend over an open bucket.
//
// Parameters:
//   - kv: Heartbeat bucket
//   - prefix: Key prefix the workers publish under
//   - opts: Optional logger, max age, clock
//
// Returns:
//   - *Discovery: Initialized backend
func New(kv jetstream.KeyValue, prefix string, opts ...Option) *Discovery {
	d := &Discovery{
		kv:     kv,
		prefix: prefix,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Connect opens the heartbeat bucket on nc, creating it with the given TTL
// when it does not exist, and returns a backend over it.
//
// Parameters:
//   - ctx: Context for bucket creation
//   - nc: NATS connection
//   - bucket: Bucket name
//   - prefix: Key prefix
//   - ttl: Per-key TTL used when the bucket is created
//   - opts: Backend options
//
// Returns:
//   - *Discovery: Initialized backend
//   - error: JetStream or bucket failure
//
// Example:
//
//	nc, _ := nats.Connect(cfg.Discovery.NATSURL)
//	disc, err := natskv.Connect(ctx, nc, "fleet-workers", "workers", 15*time.Second)
func Connect(ctx context.Context, nc *nats.Conn, bucket, prefix string, ttl time.Duration, opts ...Option) (*Discovery, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := kvutil.OpenBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "fleet worker heartbeats",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, err
	}

	return New(kv, prefix, opts...), nil
}

// Name returns "natskv".
func (d *Discovery) Name() string { return Name }

// ListLiveWorkers returns the endpoint of every valid heartbeat record.
//
// Records that expire between listing and reading, fail to decode, or are
// older than the configured max age are skipped.
//
// Returns:
//   - []types.WorkerEndpoint: Live workers
//   - error: NATS failure
func (d *Discovery) ListLiveWorkers(ctx context.Context) ([]types.WorkerEndpoint, error) {
	lister, err := d.kv.ListKeysFiltered(ctx, d.prefix+".>")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []types.WorkerEndpoint{}, nil
		}

		return nil, d.wrap("list heartbeat keys", err)
	}
	defer func() { _ = lister.Stop() }()

	live := []types.WorkerEndpoint{}
	for key := range lister.Keys() {
		ep, ok, err := d.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, ep)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return live, nil
}

func (d *Discovery) read(ctx context.Context, key string) (types.WorkerEndpoint, bool, error) {
	keyID, ok := heartbeat.WorkerIDFromKey(d.prefix, key)
	if !ok {
		return types.WorkerEndpoint{}, false, nil
	}

	entry, err := d.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.WorkerEndpoint{}, false, nil
		}

		return types.WorkerEndpoint{}, false, d.wrap("get heartbeat "+key, err)
	}

	rec, err := heartbeat.DecodeRecord(entry.Value())
	if err != nil {
		d.logger.Warn("invalid heartbeat record, skipped", "key", key, "error", err)
		return types.WorkerEndpoint{}, false, nil
	}
	if rec.ID != keyID {
		d.logger.Warn("heartbeat record id does not match key, skipped", "key", key, "record_id", rec.ID)
		return types.WorkerEndpoint{}, false, nil
	}
	if d.maxAge > 0 && d.now().Sub(rec.At) > d.maxAge {
		d.logger.Debug("heartbeat too old, skipped", "worker_id", rec.ID, "at", rec.At)
		return types.WorkerEndpoint{}, false, nil
	}

	return rec.Endpoint(), true, nil
}

func (d *Discovery) wrap(op string, err error) error {
	if natsutil.IsConnectivityError(err) {
		return fmt.Errorf("%s: nats unreachable: %w", op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// KV returns the heartbeat bucket.
func (d *Discovery) KV() jetstream.KeyValue {
	return d.kv
}
