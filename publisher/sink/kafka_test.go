package sink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/publisher"
	_ "github.com/maxpert/livesync/publisher/transformer"
	"github.com/segmentio/kafka-go"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}
	if config.BatchSize != DefaultKafkaBatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultKafkaBatchSize, config.BatchSize)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
	if config.WriteTimeout != DefaultKafkaWriteTimeout {
		t.Errorf("expected write timeout %v, got %v", DefaultKafkaWriteTimeout, config.WriteTimeout)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchBytes != 2048 {
		t.Errorf("expected batch bytes 2048, got %d", sink.writer.BatchBytes)
	}
	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Async {
		t.Error("expected synchronous writes")
	}
	if _, ok := sink.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", sink.writer.Balancer)
	}
	if sink.timeout != time.Second {
		t.Errorf("expected timeout 1s, got %v", sink.timeout)
	}
}

func TestNewKafkaSinkFillsDefaults(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != DefaultKafkaBatchSize {
		t.Errorf("expected default batch size, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchBytes != DefaultKafkaBatchBytes {
		t.Errorf("expected default batch bytes, got %d", sink.writer.BatchBytes)
	}
	if sink.timeout != DefaultKafkaWriteTimeout {
		t.Errorf("expected default timeout, got %v", sink.timeout)
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers, got nil")
	}
}

func TestKafkaSinkRegistered(t *testing.T) {
	reg, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir: t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "k", Type: "kafka", Format: "json", Brokers: []string{"localhost:9092"}, BatchSize: 10},
		},
	})
	if err != nil {
		t.Fatalf("expected kafka sink factory to be registered: %v", err)
	}
	if err := reg.Start(); err != nil {
		t.Fatal(err)
	}
	reg.Stop()
}

func TestNatsSinkRequiresURL(t *testing.T) {
	_, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "n", Type: "nats"}},
	})
	if err == nil {
		t.Error("expected error for missing nats_url")
	}
}

func TestStreamName(t *testing.T) {
	tests := map[string]string{
		"livesync.runs": "livesync_runs",
		"runs":          "runs",
		"a.b.*":         "a_b__",
		"a.>":           "a__",
	}
	for in, want := range tests {
		if got := streamName(in); got != want {
			t.Errorf("streamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMemorySinkPublish(t *testing.T) {
	mem := &MemorySink{}

	if err := mem.Publish("livesync.runs", "runs", []byte("v1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mem.Publish("livesync.runs", "runs", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := mem.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "livesync.runs" || msgs[0].Key != "runs" || string(msgs[0].Value) != "v1" {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Value != nil {
		t.Errorf("expected tombstone, got %v", msgs[1].Value)
	}

	mem.Reset()
	if len(mem.Snapshot()) != 0 {
		t.Error("expected no messages after reset")
	}
}

func TestMemorySinkPublishError(t *testing.T) {
	expected := errors.New("publish failed")
	mem := &MemorySink{PublishErr: expected}

	if err := mem.Publish("t", "k", []byte("v")); !errors.Is(err, expected) {
		t.Errorf("expected %v, got %v", expected, err)
	}
	if len(mem.Snapshot()) != 0 {
		t.Error("expected no messages on error")
	}
}

func TestMemorySinkConcurrent(t *testing.T) {
	mem := &MemorySink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mem.Publish("topic", "key", []byte("value"))
		}()
	}
	wg.Wait()

	if len(mem.Snapshot()) != 10 {
		t.Errorf("expected 10 messages, got %d", len(mem.Snapshot()))
	}

	mem.Close()
	if !mem.Closed() {
		t.Error("expected Closed after Close")
	}
}

func TestMemorySinkRegistered(t *testing.T) {
	reg, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "dry-run", Type: "memory", Format: "msgpack"}},
	})
	if err != nil {
		t.Fatalf("expected memory sink factory to be registered: %v", err)
	}
	reg.Stop()
}
