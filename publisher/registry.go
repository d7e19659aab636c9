package publisher

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/resource"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the change mirror
type RegistryConfig struct {
	DataDir     string                  // Parent of the publish log
	SinkConfigs []cfg.SinkConfiguration // One worker per sink
}

// Registry owns the publish log and one worker per configured sink
type Registry struct {
	log       *PublishLog
	workers   []*Worker
	running   atomic.Bool
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewRegistry opens the publish log and builds a worker for every sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	pubLog, err := NewPublishLog(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	r := &Registry{
		log:     pubLog,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := r.AddSink(sinkCfg); err != nil {
			r.closeSinks()
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(r.workers)).Msg("Change mirror initialized")
	return r, nil
}

// AddSink creates a worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterNames, config.FilterResources)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added mirror sink")
	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	for _, w := range r.workers {
		w.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers, closes their sinks and the publish log.
// A stopped Registry cannot be restarted.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running.Store(false)
	r.closeOnce.Do(func() {
		for _, w := range r.workers {
			w.Stop()
		}
		r.closeSinks()
		if err := r.log.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close publish log")
		}
		log.Info().Msg("Change mirror stopped")
	})
}

func (r *Registry) closeSinks() {
	for _, w := range r.workers {
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
		}
	}
}

// Append adds events to the publish log
func (r *Registry) Append(events []ChangeEvent) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	return r.log.Append(events)
}

// Observe records a resource state. Loading states carry no reconciled
// data and are not mirrored.
func (r *Registry) Observe(name, path string, state resource.State) error {
	if state.Status == resource.Loading {
		return nil
	}

	event, err := changeFromState(name, path, state)
	if err != nil {
		return err
	}
	return r.Append([]ChangeEvent{event})
}

// Forget records that a resource was released
func (r *Registry) Forget(name, path string) error {
	return r.Append([]ChangeEvent{{
		Resource:  name,
		Path:      path,
		Operation: OpRelease,
		TS:        time.Now().UnixMilli(),
	}})
}

// Cursors returns every sink's position next to the newest sequence
func (r *Registry) Cursors() (map[string]uint64, uint64) {
	return r.log.Cursors(), r.log.LastSeq()
}

func changeFromState(name, path string, state resource.State) (ChangeEvent, error) {
	data, err := json.Marshal(state.Data)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to encode %s data: %w", name, err)
	}

	event := ChangeEvent{
		Resource:  name,
		Path:      path,
		Operation: OpChange,
		Status:    state.Status.String(),
		Version:   state.Version,
		Data:      data,
		TS:        time.Now().UnixMilli(),
	}
	if state.Err != nil {
		event.Error = state.Err.Message
		event.ErrorKind = string(state.Err.Kind)
	}
	return event, nil
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
