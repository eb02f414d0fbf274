// Package testing provides test helpers for code built on fleet.
//
// It follows the net/http/httptest convention of shipping test utilities in
// a dedicated package. Import it under an alias to avoid clashing with the
// standard testing package.
//
// Key utilities:
//   - NewFakeWorker: an HTTP worker serving /status and /query with switchable behavior
//   - StartEmbeddedNATS: single in-process NATS server with JetStream
//   - CreateJetStreamKV: in-memory KV bucket for heartbeat tests
//   - NewTestLogger: Logger writing through t.Logf
//
// Example usage:
//
//	import (
//	    "testing"
//	    fleettest "github.com/arloliu/fleet/testing"
//	)
//
//	func TestAcquire(t *testing.T) {
//	    w := fleettest.NewFakeWorker(t, "w1")
//	    disc := static.New([]types.WorkerEndpoint{w.Endpoint()})
//	    // ...
//	}
package testing
