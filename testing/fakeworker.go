package testing

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/fleet/types"
)

// Worker status values served by FakeWorker.
const (
	WorkerIdle       = "idle"
	WorkerProcessing = "processing"
)

// FakeWorker is an in-process worker implementing the HTTP worker contract:
// GET /status returns {"workerStatus": ...} and POST /query accepts a job.
//
// Behavior is switchable at runtime so tests can simulate a worker that is
// idle, stuck busy, failing with 5xx, or gone entirely.
type FakeWorker struct {
	id  string
	srv *httptest.Server

	mu          sync.Mutex
	status      string
	failing     bool
	lastPayload []byte
	gate        chan struct{}

	statusCalls *xsync.Counter
	queryCalls  *xsync.Counter
}

// QueryResponse is the body FakeWorker returns from a successful /query.
type QueryResponse struct {
	WorkerID string          `json:"workerId"`
	Echo     json.RawMessage `json:"echo,omitempty"`
}

// NewFakeWorker starts a fake worker reporting "idle". It is closed by t.Cleanup.
func NewFakeWorker(t testing.TB, id string) *FakeWorker {
	t.Helper()

	w := &FakeWorker{
		id:          id,
		status:      WorkerIdle,
		statusCalls: xsync.NewCounter(),
		queryCalls:  xsync.NewCounter(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", w.handleStatus)
	mux.HandleFunc("POST /query", w.handleQuery)
	w.srv = httptest.NewServer(mux)
	t.Cleanup(w.Close)

	return w
}

// Endpoint returns the worker as a discovery backend would report it.
func (w *FakeWorker) Endpoint() types.WorkerEndpoint {
	host, portStr, _ := net.SplitHostPort(w.srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	return types.WorkerEndpoint{ID: w.id, ContainerRef: "fake-" + w.id, Address: host, Port: port}
}

// URL returns the worker base URL.
func (w *FakeWorker) URL() string { return w.srv.URL }

// SetStatus sets the workerStatus reported by /status.
func (w *FakeWorker) SetStatus(status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

// SetFailing makes /status and /query answer 500 while on.
func (w *FakeWorker) SetFailing(failing bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing = failing
}

// Hold makes /query block until the returned function is called. It lets a
// test observe the worker while a job is in flight.
func (w *FakeWorker) Hold() (release func()) {
	gate := make(chan struct{})
	w.mu.Lock()
	w.gate = gate
	w.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			w.mu.Lock()
			if w.gate == gate {
				w.gate = nil
			}
			w.mu.Unlock()
			close(gate)
		})
	}
}

// Close stops the server; further requests fail with connection refused.
// Closing twice is safe.
func (w *FakeWorker) Close() {
	w.srv.CloseClientConnections()
	w.srv.Close()
}

// StatusCalls returns how many /status requests were served.
func (w *FakeWorker) StatusCalls() int64 { return w.statusCalls.Value() }

// QueryCalls returns how many /query requests were served.
func (w *FakeWorker) QueryCalls() int64 { return w.queryCalls.Value() }

// LastPayload returns the body of the most recent /query request.
func (w *FakeWorker) LastPayload() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lastPayload
}

func (w *FakeWorker) handleStatus(rw http.ResponseWriter, _ *http.Request) {
	w.statusCalls.Inc()

	w.mu.Lock()
	status, failing := w.status, w.failing
	w.mu.Unlock()

	if failing {
		http.Error(rw, "worker unhealthy", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{"workerStatus": status})
}

func (w *FakeWorker) handleQuery(rw http.ResponseWriter, r *http.Request) {
	w.queryCalls.Inc()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	w.lastPayload = body
	failing, gate := w.failing, w.gate
	prev := w.status
	w.status = WorkerProcessing
	w.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
		}
	}

	w.mu.Lock()
	if w.status == WorkerProcessing {
		w.status = prev
	}
	w.mu.Unlock()

	if failing {
		http.Error(rw, "job failed", http.StatusInternalServerError)
		return
	}

	resp := QueryResponse{WorkerID: w.id}
	if json.Valid(body) {
		resp.Echo = body
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}
