package storesync

import "time"

// MetricsCollector provides hooks for observability. All methods must be
// safe for concurrent use and cheap enough to call on the event path.
type MetricsCollector interface {
	// RecordEventApplied records a change event merged into the cache.
	RecordEventApplied(entityType EntityType, op Op)

	// RecordStaleDropped records an event dropped by the version merge rule.
	RecordStaleDropped(entityType EntityType)

	// RecordReconnect records a channel reconnection attempt.
	RecordReconnect(key Key, attempt int)

	// RecordResync records a snapshot resync and how many rows it carried.
	RecordResync(entityType EntityType, rows int)

	// RecordMutation records a resolved mutation and its outcome
	// ("confirmed", "rolled_back", "timeout").
	RecordMutation(entityType EntityType, outcome string, d time.Duration)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordEventApplied(entityType EntityType, op Op)              {}
func (*NoOpMetricsCollector) RecordStaleDropped(entityType EntityType)                     {}
func (*NoOpMetricsCollector) RecordReconnect(key Key, attempt int)                         {}
func (*NoOpMetricsCollector) RecordResync(entityType EntityType, rows int)                 {}
func (*NoOpMetricsCollector) RecordMutation(entityType EntityType, outcome string, d time.Duration) {}
