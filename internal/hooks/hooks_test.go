package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/types"
)

func TestDispatcher_NilHooksAreNoops(t *testing.T) {
	d := NewDispatcher(context.Background(), nil, logging.NewNop())

	require.NotPanics(t, func() {
		d.WorkerAdded(types.WorkerEndpoint{ID: "w1"})
		d.WorkerRemoved("w1", "discovery")
		d.StaleCorrected("w1", "freed")
	})
}

func TestDispatcher_FiresAsync(t *testing.T) {
	added := make(chan string, 1)
	removed := make(chan string, 1)
	corrected := make(chan string, 1)

	d := NewDispatcher(context.Background(), &types.Hooks{
		OnWorkerAdded: func(_ context.Context, w types.WorkerEndpoint) error {
			added <- w.ID
			return nil
		},
		OnWorkerRemoved: func(_ context.Context, workerID, reason string) error {
			removed <- workerID + ":" + reason
			return errors.New("ignored")
		},
		OnStaleCorrected: func(_ context.Context, workerID, action string) error {
			corrected <- workerID + ":" + action
			return nil
		},
	}, logging.NewNop())

	d.WorkerAdded(types.WorkerEndpoint{ID: "w1"})
	d.WorkerRemoved("w2", "probe_failed")
	d.StaleCorrected("w3", "extended")

	require.Equal(t, "w1", recv(t, added))
	require.Equal(t, "w2:probe_failed", recv(t, removed))
	require.Equal(t, "w3:extended", recv(t, corrected))
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("hook was not called")
		return ""
	}
}
