// Package fleet routes jobs to a dynamically sized fleet of single-job HTTP
// workers, replacing DNS round-robin with state-aware direct routing.
//
// A Coordinator keeps an in-memory registry of the workers a Discovery backend
// reports, hands out free workers round-robin, and takes them back on release.
// Discovery runs at most once per refresh interval and concurrent callers share
// one in-flight refresh. Workers left busy past the stale timeout are probed
// and freed, given more time, or evicted.
//
// # Quick Start
//
//	import (
//	    "github.com/arloliu/fleet"
//	    "github.com/arloliu/fleet/discovery/static"
//	)
//
//	cfg := fleet.DefaultConfig()
//	disc, _ := static.Parse([]string{"10.0.0.11:8080", "10.0.0.12:8080"})
//	coord, err := fleet.NewCoordinator(&cfg, disc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	a, err := coord.Acquire(ctx, "job-1")
//	if errors.Is(err, fleet.ErrNoCapacity) {
//	    // every worker busy after all retries: shed load upstream
//	}
//	defer a.Release()
//	resp, err := http.Post(a.URL+"/query", "application/json", body)
//	if err != nil {
//	    a.ReportFailure(err.Error())
//	}
//
// # Discovery Backends
//
//   - discovery/static: a fixed or externally updated list
//   - discovery/swarm: Docker Swarm task list for a service
//   - discovery/kubernetes: running pods matching a label selector
//   - discovery/natskv: heartbeats in a NATS JetStream KV bucket
//
// The assignment, refresh and reconcile logic is written once against the
// Discovery interface; backends are chosen at startup.
//
// # Worker Contract
//
// Workers serve GET /status returning {"workerStatus": "idle" | ...} and
// POST /query for job execution. The runner package wraps the caller side.
package fleet
