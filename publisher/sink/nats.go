package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes change events to JetStream. Each subject gets its own
// stream, created once and kept with a per-subject limit of one message so
// the stream holds the latest state of the resource.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams *xsync.MapOf[string, struct{}]
}

var _ publisher.Sink = (*NatsSink)(nil)

// NewNatsSink connects to NATS, retrying in the background until reachable
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("livesync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: xsync.NewMapOf[string, struct{}]()}, nil
}

// Publish sends one message with the key as a header. A nil value purges
// the subject instead.
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	stream, err := n.ensureStream(ctx, topic)
	if err != nil {
		return err
	}

	if value == nil {
		if err := stream.Purge(ctx, jetstream.WithPurgeSubject(topic)); err != nil {
			return fmt.Errorf("failed to purge %s: %w", topic, err)
		}
		return nil
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) (jetstream.Stream, error) {
	name := streamName(topic)
	if _, ok := n.streams.Load(name); ok {
		return n.js.Stream(ctx, name)
	}

	stream, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              name,
		Subjects:          []string{topic},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streams.Store(name, struct{}{})
	return stream, nil
}

// Close drains nothing; pending publishes are synchronous
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// streamName converts a subject to a valid JetStream stream name
func streamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject)
}
