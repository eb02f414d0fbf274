// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/arloliu/fleet/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// AcquireMetrics implementation

// RecordAcquire discards the acquire outcome metric.
func (n *NopMetrics) RecordAcquire(_ /* result */ string, _ /* attempts */ int, _ /* duration */ float64) {}

// RecordRelease discards the release metric.
func (n *NopMetrics) RecordRelease(_ /* released */ bool) {}

// RecordFailureReport discards the failure report metric.
func (n *NopMetrics) RecordFailureReport() {}

// DiscoveryMetrics implementation

// RecordDiscovery discards the discovery call metric.
func (n *NopMetrics) RecordDiscovery(_ /* backend */ string, _ /* success */ bool, _ /* duration */ float64) {
}

// RecordWorkerChange discards the worker topology change metric.
func (n *NopMetrics) RecordWorkerChange(_ /* added */, _ /* removed */ int) {}

// ReconcileMetrics implementation

// RecordStaleAction discards the reconciler decision metric.
func (n *NopMetrics) RecordStaleAction(_ /* action */ string) {}

// FleetMetrics implementation

// RecordFleetSize discards the fleet size gauges.
func (n *NopMetrics) RecordFleetSize(_ /* total */, _ /* free */, _ /* busy */ int) {}
