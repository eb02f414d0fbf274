package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/fleet"
	"github.com/arloliu/fleet/discovery/static"
	fleettest "github.com/arloliu/fleet/testing"
	"github.com/arloliu/fleet/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, eps ...types.WorkerEndpoint) (*gin.Engine, *fleet.Coordinator) {
	t.Helper()

	cfg := fleet.TestConfig()
	coord, err := fleet.NewCoordinator(&cfg, static.New(eps), fleet.WithLogger(fleettest.NewTestLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	return NewRouter(NewAPI(coord, fleettest.NewTestLogger(t))), coord
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))

	return v
}

var twoWorkers = []types.WorkerEndpoint{
	{ID: "w1", Address: "10.0.0.1", Port: 8080},
	{ID: "w2", Address: "10.0.0.2", Port: 8080},
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAcquireReleaseFlow(t *testing.T) {
	router, _ := newTestRouter(t, twoWorkers...)

	w := do(t, router, http.MethodPost, "/v1/acquire", `{"jobId":"job-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[AcquireResponse](t, w)
	require.Equal(t, "w1", got.WorkerID)
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, "http://10.0.0.1:8080", got.Endpoint)

	st := decode[fleet.FleetStatus](t, do(t, router, http.MethodGet, "/v1/status", ""))
	require.Equal(t, 2, st.Total)
	require.Equal(t, 1, st.Busy)

	w = do(t, router, http.MethodPost, "/v1/release", `{"workerId":"w1","jobId":"job-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"released":true}`, w.Body.String())

	w = do(t, router, http.MethodPost, "/v1/release", `{"workerId":"w1","jobId":"job-1"}`)
	require.JSONEq(t, `{"released":false}`, w.Body.String())
}

func TestAcquire_EmptyBodyGeneratesJobID(t *testing.T) {
	router, _ := newTestRouter(t, twoWorkers...)

	w := do(t, router, http.MethodPost, "/v1/acquire", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, decode[AcquireResponse](t, w).JobID)
}

func TestAcquire_NoCapacity(t *testing.T) {
	router, _ := newTestRouter(t, twoWorkers[0])

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/acquire", `{"jobId":"a"}`).Code)

	w := do(t, router, http.MethodPost, "/v1/acquire", `{"jobId":"b","maxAttempts":1,"retryDelay":"1ms"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	got := decode[NoCapacityResponse](t, w)
	require.Equal(t, "b", got.JobID)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, 1, got.Workers)
	require.Equal(t, 1, got.Busy)
}

func TestAcquire_BadRequest(t *testing.T) {
	router, _ := newTestRouter(t, twoWorkers...)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"jobId":`},
		{"negative attempts", `{"maxAttempts":-1}`},
		{"bad delay", `{"retryDelay":"soon"}`},
		{"zero delay", `{"retryDelay":"0s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/v1/acquire", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestFailure_EvictsWorker(t *testing.T) {
	router, _ := newTestRouter(t, twoWorkers...)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/refresh", "").Code)

	w := do(t, router, http.MethodPost, "/v1/failure", `{"workerId":"w2","jobId":"job-9","reason":"connection reset"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	st := decode[fleet.FleetStatus](t, do(t, router, http.MethodGet, "/v1/status", ""))
	require.Equal(t, 1, st.Total)
	require.Equal(t, "w1", st.Workers[0].ID)

	w = do(t, router, http.MethodPost, "/v1/failure", `{"jobId":"job-9"}`)
	require.Equal(t, http.StatusBadRequest, w.Code, "workerId is required")
}

func TestRelease_RequiresFields(t *testing.T) {
	router, _ := newTestRouter(t, twoWorkers...)

	w := do(t, router, http.MethodPost, "/v1/release", `{"workerId":"w1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

type failingDiscovery struct{}

func (failingDiscovery) Name() string { return "broken" }

func (failingDiscovery) ListLiveWorkers(context.Context) ([]types.WorkerEndpoint, error) {
	return nil, errors.New("daemon unreachable")
}

func TestRefresh_DiscoveryFailure(t *testing.T) {
	cfg := fleet.TestConfig()
	coord, err := fleet.NewCoordinator(&cfg, failingDiscovery{})
	require.NoError(t, err)
	router := NewRouter(NewAPI(coord, nil))

	w := do(t, router, http.MethodPost, "/v1/refresh", "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), `"backend":"broken"`)
}

func TestAcquireStream_ProgressThenError(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, http.MethodPost, "/v1/acquire/stream", `{"jobId":"s1","maxAttempts":2,"retryDelay":"1ms"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	require.Equal(t, 2, strings.Count(body, "event:progress"))
	require.Contains(t, body, "no workers discovered, retrying 1/2")
	require.Contains(t, body, "no workers discovered, retrying 2/2")
	require.Contains(t, body, "event:error")
	require.NotContains(t, body, "event:assigned")
}

func TestAcquireStream_Assigned(t *testing.T) {
	router, _ := newTestRouter(t, twoWorkers...)

	w := do(t, router, http.MethodPost, "/v1/acquire/stream", `{"jobId":"s2"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.NotContains(t, body, "event:progress")
	require.Contains(t, body, "event:assigned")
	require.Contains(t, body, `"workerId":"w1"`)
}

func TestAcquire_ConcurrentRequestsGetDistinctWorkers(t *testing.T) {
	eps := make([]types.WorkerEndpoint, 0, 6)
	for i := range 6 {
		eps = append(eps, types.WorkerEndpoint{ID: string(rune('a' + i)), Address: "10.0.0.1", Port: 8000 + i})
	}
	router, _ := newTestRouter(t, eps...)

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/acquire", bytes.NewReader([]byte(`{}`)))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				return
			}
			var got AcquireResponse
			if json.Unmarshal(w.Body.Bytes(), &got) == nil {
				mu.Lock()
				seen[got.WorkerID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 6)
}
