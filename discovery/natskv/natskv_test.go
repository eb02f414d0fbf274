package natskv

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/fleet/internal/clock"
	"github.com/arloliu/fleet/internal/heartbeat"
	fleettest "github.com/arloliu/fleet/testing"
	"github.com/arloliu/fleet/types"
)

func putRecord(t *testing.T, kv jetstream.KeyValue, key string, rec heartbeat.Record) {
	t.Helper()

	data, err := rec.Encode()
	require.NoError(t, err)
	_, err = kv.Put(t.Context(), key, data)
	require.NoError(t, err)
}

func ids(eps []types.WorkerEndpoint) []string {
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.ID)
	}
	slices.Sort(out)

	return out
}

func TestListLiveWorkers_Empty(t *testing.T) {
	_, nc := fleettest.StartEmbeddedNATS(t)
	kv := fleettest.CreateJetStreamKV(t, nc, "fleet-empty", 0)

	d := New(kv, "workers")
	require.Equal(t, "natskv", d.Name())

	live, err := d.ListLiveWorkers(t.Context())
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestListLiveWorkers_FromPublishers(t *testing.T) {
	_, nc := fleettest.StartEmbeddedNATS(t)
	kv := fleettest.CreateJetStreamKV(t, nc, "fleet-pub", 0)

	for _, id := range []string{"w1", "w2", "w3"} {
		pub := heartbeat.New(kv, "workers", types.WorkerEndpoint{ID: id, Address: "10.0.0.1", Port: 8080}, time.Minute)
		require.NoError(t, pub.Start(t.Context()))
		t.Cleanup(func() { _ = pub.Stop() })
	}

	live, err := New(kv, "workers").ListLiveWorkers(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"w1", "w2", "w3"}, ids(live))
}

func TestListLiveWorkers_StoppedWorkerDisappears(t *testing.T) {
	_, nc := fleettest.StartEmbeddedNATS(t)
	kv := fleettest.CreateJetStreamKV(t, nc, "fleet-stop", 0)

	keep := heartbeat.New(kv, "workers", types.WorkerEndpoint{ID: "keep", Address: "10.0.0.1", Port: 8080}, time.Minute)
	gone := heartbeat.New(kv, "workers", types.WorkerEndpoint{ID: "gone", Address: "10.0.0.2", Port: 8080}, time.Minute)
	require.NoError(t, keep.Start(t.Context()))
	require.NoError(t, gone.Start(t.Context()))
	t.Cleanup(func() { _ = keep.Stop() })

	require.NoError(t, gone.Stop())

	live, err := New(kv, "workers").ListLiveWorkers(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, ids(live))
}

func TestListLiveWorkers_SkipsInvalidRecords(t *testing.T) {
	_, nc := fleettest.StartEmbeddedNATS(t)
	kv := fleettest.CreateJetStreamKV(t, nc, "fleet-invalid", 0)
	now := time.Now()

	putRecord(t, kv, "workers.ok", heartbeat.Record{ID: "ok", Address: "10.0.0.1", Port: 8080, ContainerRef: "abc", At: now})
	putRecord(t, kv, "workers.noaddr", heartbeat.Record{ID: "noaddr", Port: 8080, At: now})
	putRecord(t, kv, "workers.mismatch", heartbeat.Record{ID: "other", Address: "10.0.0.3", Port: 8080, At: now})
	_, err := kv.Put(t.Context(), "workers.garbage", []byte("not json"))
	require.NoError(t, err)
	putRecord(t, kv, "other.ok", heartbeat.Record{ID: "ok", Address: "10.0.0.9", Port: 8080, At: now})

	live, err := New(kv, "workers", WithLogger(fleettest.NewTestLogger(t))).ListLiveWorkers(t.Context())
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, types.WorkerEndpoint{ID: "ok", ContainerRef: "abc", Address: "10.0.0.1", Port: 8080}, live[0])
}

func TestListLiveWorkers_MaxAge(t *testing.T) {
	_, nc := fleettest.StartEmbeddedNATS(t)
	kv := fleettest.CreateJetStreamKV(t, nc, "fleet-maxage", 0)

	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	putRecord(t, kv, "workers.fresh", heartbeat.Record{ID: "fresh", Address: "10.0.0.1", Port: 8080, At: fake.Now().Add(-5 * time.Second)})
	putRecord(t, kv, "workers.old", heartbeat.Record{ID: "old", Address: "10.0.0.2", Port: 8080, At: fake.Now().Add(-time.Minute)})

	d := New(kv, "workers", WithMaxAge(30*time.Second), WithClock(fake))

	live, err := d.ListLiveWorkers(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, ids(live))
}

func TestConnect_CreatesBucket(t *testing.T) {
	_, nc := fleettest.StartEmbeddedNATS(t)

	d, err := Connect(t.Context(), nc, "fleet-connect", "workers", time.Minute)
	require.NoError(t, err)

	live, err := d.ListLiveWorkers(t.Context())
	require.NoError(t, err)
	require.Empty(t, live)

	// a second coordinator opens the same bucket
	_, err = Connect(t.Context(), nc, "fleet-connect", "workers", time.Minute)
	require.NoError(t, err)
}

func TestListLiveWorkers_ClosedConnection(t *testing.T) {
	_, nc := fleettest.StartEmbeddedNATS(t)
	kv := fleettest.CreateJetStreamKV(t, nc, "fleet-closed", 0)

	nc.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	_, err := New(kv, "workers").ListLiveWorkers(ctx)
	require.Error(t, err)
}
