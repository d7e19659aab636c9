package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FetchBuckets for HTTP snapshot page fetches
	FetchBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// SnapshotBuckets for complete (possibly multi-page) snapshot loads
	SnapshotBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// PageCountBuckets for number of pages followed per snapshot
	PageCountBuckets = []float64{1, 2, 3, 5, 10, 20, 50, 100}
)

// Socket Channel Metrics
var (
	// SocketState tracks the current connection state (1 for the active state label)
	SocketState GaugeVec = noopGaugeVec{}

	// SocketConnectsTotal counts connection attempts by result (success, failed)
	SocketConnectsTotal CounterVec = noopCounterVec{}

	// SocketFramesTotal counts frames by direction (sent, received, unsent)
	SocketFramesTotal CounterVec = noopCounterVec{}
)

// Subscription Multiplexer Metrics
var (
	// ActiveSubscriptions tracks currently registered subscription records
	ActiveSubscriptions Gauge = NoopStat{}

	// ControlMessagesTotal counts control messages by type (subscribe, unsubscribe) and reason
	ControlMessagesTotal CounterVec = noopCounterVec{}

	// ResubscribeRoundsTotal counts replay rounds triggered by a Connected transition
	ResubscribeRoundsTotal Counter = NoopStat{}

	// FramesDroppedTotal counts inbound frames dropped by reason (malformed, unknown_uuid, stale_resource)
	FramesDroppedTotal CounterVec = noopCounterVec{}
)

// Resource Synchronizer Metrics
var (
	// EventsAppliedTotal counts inbound events applied by resource kind
	EventsAppliedTotal CounterVec = noopCounterVec{}

	// EventsIgnoredTotal counts inbound events ignored by reason (stale, duplicate, released, shape)
	EventsIgnoredTotal CounterVec = noopCounterVec{}

	// FetchDurationSeconds measures HTTP page fetch latency by result
	FetchDurationSeconds HistogramVec = noopHistogramVec{}

	// SnapshotDurationSeconds measures complete snapshot load latency
	SnapshotDurationSeconds Histogram = NoopStat{}

	// SnapshotPages measures pages followed per snapshot load
	SnapshotPages Histogram = NoopStat{}

	// FetchErrorsTotal counts fetch failures by API error kind
	FetchErrorsTotal CounterVec = noopCounterVec{}

	// PageCacheHitsTotal counts ETag revalidations answered from the page cache
	PageCacheHitsTotal Counter = NoopStat{}

	// ResourcesByStatus tracks synchronizers by status (loading, ok, error)
	ResourcesByStatus GaugeVec = noopGaugeVec{}
)

// Change Mirror Metrics
var (
	// MirrorEventsTotal counts change events appended to the publish log
	MirrorEventsTotal Counter = NoopStat{}

	// MirrorPublishTotal counts sink publishes by sink and result
	MirrorPublishTotal CounterVec = noopCounterVec{}

	// MirrorLag tracks events appended but not yet published, per sink
	MirrorLag GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	SocketState = NewGaugeVec("socket", "state", "Current socket connection state", "state")
	SocketConnectsTotal = NewCounterVec("socket", "connects_total", "Socket connection attempts by result", "result")
	SocketFramesTotal = NewCounterVec("socket", "frames_total", "Socket frames by direction", "direction")

	ActiveSubscriptions = NewGauge("mux", "active_subscriptions", "Currently registered subscription records")
	ControlMessagesTotal = NewCounterVec("mux", "control_messages_total", "Control messages written by type and reason", "type", "reason")
	ResubscribeRoundsTotal = NewCounter("mux", "resubscribe_rounds_total", "Subscription replay rounds after connecting")
	FramesDroppedTotal = NewCounterVec("mux", "frames_dropped_total", "Inbound frames dropped by reason", "reason")

	EventsAppliedTotal = NewCounterVec("resource", "events_applied_total", "Inbound events merged into resource state", "kind")
	EventsIgnoredTotal = NewCounterVec("resource", "events_ignored_total", "Inbound events ignored by reason", "reason")
	FetchDurationSeconds = NewHistogramVec("resource", "fetch_duration_seconds", "HTTP page fetch latency by result", FetchBuckets, "result")
	SnapshotDurationSeconds = NewHistogram("resource", "snapshot_duration_seconds", "Complete snapshot load latency", SnapshotBuckets)
	SnapshotPages = NewHistogram("resource", "snapshot_pages", "Pages followed per snapshot load", PageCountBuckets)
	FetchErrorsTotal = NewCounterVec("resource", "fetch_errors_total", "Fetch failures by API error kind", "kind")
	PageCacheHitsTotal = NewCounter("resource", "page_cache_hits_total", "ETag revalidations answered from the page cache")
	ResourcesByStatus = NewGaugeVec("resource", "synchronizers", "Synchronizers by status", "status")

	MirrorEventsTotal = NewCounter("mirror", "events_total", "Change events appended to the publish log")
	MirrorPublishTotal = NewCounterVec("mirror", "publish_total", "Sink publishes by sink and result", "sink", "result")
	MirrorLag = NewGaugeVec("mirror", "lag_events", "Events appended but not yet published, per sink", "sink")
}
