package sink

import (
	"sync"

	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/publisher"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterSink("memory", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MemorySink{Name: config.Name}, nil
	})
}

// MemorySink keeps published messages in process and logs them at debug
// level. It serves dry runs and tests.
type MemorySink struct {
	Name       string
	PublishErr error // Returned by Publish when set

	mu       sync.Mutex
	messages []Message
	closed   bool
}

var _ publisher.Sink = (*MemorySink)(nil)

// Message is one recorded publish
type Message struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MemorySink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, Message{Topic: topic, Key: key, Value: value})

	log.Debug().
		Str("sink", m.Name).
		Str("topic", topic).
		Str("key", key).
		Bool("tombstone", value == nil).
		Int("bytes", len(value)).
		Msg("Memory sink received message")
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Snapshot returns a copy of the recorded messages
func (m *MemorySink) Snapshot() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Reset clears all recorded messages
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
