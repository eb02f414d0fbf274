package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/fleet/types"
)

func TestDiscovery_ListLiveWorkers(t *testing.T) {
	t.Run("returns all workers", func(t *testing.T) {
		d := New([]types.WorkerEndpoint{
			{ID: "w1", ContainerRef: "c1", Address: "10.0.0.1", Port: 8080},
			{ID: "w2", ContainerRef: "c2", Address: "10.0.0.2", Port: 8080},
		})

		result, err := d.ListLiveWorkers(context.Background())
		require.NoError(t, err)
		require.Len(t, result, 2)
		require.Equal(t, "w1", result[0].ID)
		require.Equal(t, "c2", result[1].ContainerRef)
	})

	t.Run("returns empty list when no workers", func(t *testing.T) {
		result, err := New(nil).ListLiveWorkers(context.Background())
		require.NoError(t, err)
		require.Empty(t, result)
	})

	t.Run("does not expose internal slice", func(t *testing.T) {
		d := New([]types.WorkerEndpoint{{ID: "w1", Address: "10.0.0.1", Port: 8080}})

		result, err := d.ListLiveWorkers(context.Background())
		require.NoError(t, err)
		result[0].Port = 9999

		again, _ := d.ListLiveWorkers(context.Background())
		require.Equal(t, 8080, again[0].Port)
	})
}

func TestDiscovery_FillsIdentity(t *testing.T) {
	d := New([]types.WorkerEndpoint{{Address: "10.0.0.1", Port: 8080}})

	result, err := d.ListLiveWorkers(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8080", result[0].ID)
	require.Len(t, result[0].ContainerRef, 12)

	d2 := New([]types.WorkerEndpoint{{Address: "10.0.0.1", Port: 8080}})
	again, _ := d2.ListLiveWorkers(context.Background())
	require.Equal(t, result[0].ContainerRef, again[0].ContainerRef, "ref must be deterministic")
}

func TestDiscovery_Update(t *testing.T) {
	d := New([]types.WorkerEndpoint{{ID: "w1", Address: "10.0.0.1", Port: 8080}})
	d.Update([]types.WorkerEndpoint{
		{ID: "w1", Address: "10.0.0.9", Port: 8080},
		{ID: "w3", Address: "10.0.0.3", Port: 8080},
	})

	result, err := d.ListLiveWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, "10.0.0.9", result[0].Address)
	require.Equal(t, "w3", result[1].ID)
}

func TestParse(t *testing.T) {
	d, err := Parse([]string{"10.0.0.1:8080", "[::1]:9000", "worker-3.internal:8081"})
	require.NoError(t, err)
	require.Equal(t, "static", d.Name())

	result, err := d.ListLiveWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 3)
	require.Equal(t, "::1", result[1].Address)
	require.Equal(t, 9000, result[1].Port)
	require.Equal(t, "[::1]:9000", result[1].ID)
	require.Equal(t, "http://[::1]:9000", result[1].BaseURL())

	_, err = Parse([]string{"no-port"})
	require.Error(t, err)

	_, err = Parse([]string{"host:0"})
	require.Error(t, err)

	_, err = Parse([]string{"host:http"})
	require.Error(t, err)
}
