// Package types provides core type definitions and interfaces for the fleet library.
//
// This package contains shared types that are used across multiple packages in the
// fleet library. By keeping these types in a separate package, we avoid import cycles
// between the main fleet package and its internal implementations.
//
// Key types:
//   - WorkerRecord: Registry entry for one live worker
//   - WorkerStatus: Free, Busy or Unknown
//   - Discovery: Capability interface for listing live workers
//   - HealthProber: Capability interface for probing a worker's status endpoint
//   - SelectionStrategy: Picks one free worker for a job
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
