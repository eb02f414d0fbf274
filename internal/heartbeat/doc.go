// Package heartbeat publishes worker liveness records into a NATS KV bucket.
//
// Workers that cannot be enumerated by an orchestrator register themselves by
// writing a Record under {prefix}.{workerID} at a fixed interval. The bucket
// is created with a TTL of about three intervals, so a crashed worker's key
// expires on its own and the natskv discovery backend stops listing it.
//
// # Publisher Lifecycle
//
//  1. Create a publisher with New(kv, prefix, endpoint, interval)
//  2. Start publishing with Start(ctx); the first record is written synchronously
//  3. Stop with Stop(), which deletes the key so discovery drops the worker at once
//
// Example:
//
//	pub := heartbeat.New(kv, "workers", types.WorkerEndpoint{
//	    ID: "render-1", Address: "10.0.1.7", Port: 8080,
//	}, 5*time.Second)
//	if err := pub.Start(ctx); err != nil {
//	    return err
//	}
//	defer pub.Stop()
//
// # Key Format
//
//	{prefix}.{workerID}
//
// Example: "workers.render-1". The value is the JSON encoding of Record.
package heartbeat
