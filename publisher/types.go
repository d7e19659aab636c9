package publisher

// Operation types for change events
const (
	OpChange  uint8 = 0 // Resource reached a new reconciled state
	OpRelease uint8 = 1 // Resource was released and will not change again
)

// ChangeEvent is one reconciled resource state recorded for mirroring
type ChangeEvent struct {
	SeqNum    uint64 `json:"seq"`                // Monotonic sequence
	Resource  string `json:"resource"`           // Watch name
	Path      string `json:"path"`               // Server resource path
	Operation uint8  `json:"op"`                 // 0=CHANGE, 1=RELEASE
	Status    string `json:"status"`             // loading, ok or error
	Version   uint64 `json:"version"`            // Synchronizer state version
	Data      []byte `json:"data"`               // JSON encoded resource data
	Error     string `json:"error,omitempty"`    // Fetch or event error message
	ErrorKind string `json:"err_kind,omitempty"` // fetch.ErrorKind when Error is set
	TS        int64  `json:"ts"`                 // Observation time (unix ms)
}

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink-specific formats
type Transformer interface {
	// Transform converts a change event to bytes for publishing
	Transform(event ChangeEvent) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(resource, path string) bool
}
