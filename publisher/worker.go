package publisher

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	// Attempts per event before the worker gives up and stops
	DefaultMaxRetries = 100
)

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string      // Sink name, also the cursor name
	Log             *PublishLog // Source of events
	Sink            Sink
	Transformer     Transformer
	Filter          Filter
	TopicPrefix     string // e.g. "livesync"
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker tails the PublishLog and publishes matching events to its sink.
// Delivery is at-least-once: the cursor advances only after a publish.
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config, fills defaults and loads the sink's cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	switch {
	case config.Name == "":
		return nil, fmt.Errorf("worker name is required")
	case config.Log == nil:
		return nil, fmt.Errorf("publish log is required")
	case config.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case config.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case config.Filter == nil:
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Cursor returns the last processed sequence. Only stable while stopped.
func (w *Worker) Cursor() uint64 {
	return w.cursor
}

// Start launches the poll loop; a running worker is left alone
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("sink", w.config.Name).Uint64("cursor", w.cursor).Msg("Starting mirror worker")
	go w.pollLoop()
}

// Stop signals the poll loop and waits for it to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Uint64("cursor", w.cursor).Msg("Mirror worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("sink", w.config.Name).Uint64("cursor", w.cursor).Msg("Failed to read publish log")
			w.sleep(w.config.PollInterval)
			continue
		}
		if len(events) == 0 {
			w.sleep(w.config.PollInterval)
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				log.Error().Err(err).Str("sink", w.config.Name).Uint64("seq", event.SeqNum).Msg("Giving up on change event")
				return
			}
			w.cursor = event.SeqNum
		}
	}
}

// processEvent publishes one event, or skips it when filtered, then
// advances the cursor. A failed cursor write only risks a redelivery.
func (w *Worker) processEvent(event ChangeEvent) error {
	if w.config.Filter.Match(event.Resource, event.Path) {
		topic := w.buildTopic(event.Resource)

		if event.Operation == OpRelease {
			if err := w.publishWithRetry(topic, event.Resource, w.config.Transformer.Tombstone(event.Resource)); err != nil {
				return err
			}
		} else {
			data, err := w.config.Transformer.Transform(event)
			if err != nil {
				return fmt.Errorf("failed to transform event: %w", err)
			}
			if err := w.publishWithRetry(topic, event.Resource, data); err != nil {
				return err
			}
		}
	}

	if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
		log.Warn().Err(err).Str("sink", w.config.Name).Uint64("seq", event.SeqNum).Msg("Failed to advance cursor")
	}
	return nil
}

// buildTopic joins the prefix and a subject-safe resource name
func (w *Worker) buildTopic(resource string) string {
	name := topicSafe(resource)
	if w.config.TopicPrefix == "" {
		return name
	}
	return w.config.TopicPrefix + "." + name
}

// topicSafe keeps letters, digits, '-' and '_'; anything else becomes '_'
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// publishWithRetry publishes with exponential backoff until success,
// MaxRetries attempts, or Stop
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial

	for attempt := 1; ; attempt++ {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			telemetry.MirrorPublishTotal.With(w.config.Name, "ok").Inc()
			return nil
		}
		telemetry.MirrorPublishTotal.With(w.config.Name, "error").Inc()

		if attempt >= w.config.MaxRetries {
			return fmt.Errorf("exhausted %d attempts for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Publish failed, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false when interrupted by Stop
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
