package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20
	DefaultKafkaWriteTimeout = 10 * time.Second
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kc := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kc.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kc)
	})
}

// KafkaSink writes change events to Kafka, keyed by resource name so a
// compacted topic keeps the latest state of every resource
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
}

var _ publisher.Sink = (*KafkaSink)(nil)

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
	WriteTimeout     time.Duration
}

// DefaultKafkaConfig returns durable defaults: all replicas ack, topics auto-created
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
		WriteTimeout:     DefaultKafkaWriteTimeout,
	}
}

// NewKafkaSink creates a synchronous Kafka writer
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		WriteTimeout:           config.WriteTimeout,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer, timeout: config.WriteTimeout}, nil
}

// Publish writes one message. A nil value is a tombstone.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
