// Package resource keeps server-side resources synchronized in memory.
//
// A Synchronizer combines an HTTP snapshot with a live subscription and
// reconciles pushed events into a single value whose shape (scalar, mapping
// or list) is fixed when the Synchronizer is created.
package resource

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/livesync/fetch"
	"github.com/maxpert/livesync/id"
	"github.com/maxpert/livesync/multiplexer"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/protocol"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrReleased is returned when activating a released Synchronizer
var ErrReleased = errors.New("synchronizer released")

// Status of a resource
type Status int

const (
	Loading Status = iota
	Ok
	Error
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ok:
		return "ok"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a point-in-time copy of a resource
type State struct {
	Status  Status          `json:"status"`
	Data    Data            `json:"data"`
	Err     *fetch.APIError `json:"error,omitempty"`
	Version uint64          `json:"version"` // Increases with every published change
}

// Subscriber is the part of the multiplexer a Synchronizer uses
type Subscriber interface {
	Subscribe(id, path string, query url.Values, onEvent multiplexer.EventHandler) error
	Unsubscribe(id string)
}

// Params select what a Synchronizer loads
type Params struct {
	Path              string
	Query             url.Values
	SubscribeToEvents bool
	FetchAllData      bool // Follow page cursors until exhausted
}

func (p Params) equal(o Params) bool {
	return p.Path == o.Path &&
		p.SubscribeToEvents == o.SubscribeToEvents &&
		p.FetchAllData == o.FetchAllData &&
		p.Query.Encode() == o.Query.Encode()
}

// Options configure a Synchronizer
type Options struct {
	Name     string       // Used in logs and change signals; defaults to the path
	Kind     Kind         // Merge rule, fixed for the Synchronizer's lifetime
	RowKey   string       // Row key for List resources
	IDs      id.Generator // Subscription identifier source
	OnChange func(name string, state State)
	Hub      *notify.Hub
}

// Synchronizer holds one resource in sync with the server
type Synchronizer struct {
	fetcher    fetch.Fetcher
	subscriber Subscriber
	opts       Options
	merger     merger
	id         string

	// ops serializes Activate, Retry and Release
	ops sync.Mutex

	mu         sync.Mutex
	params     Params
	activated  bool
	released   bool
	subscribed bool
	generation uint64
	// epoch changes with each subscription; handlers bound to an older one are stale
	epoch      uint64
	cancel     context.CancelFunc
	state      State
	lastDigest uint64
	hasDigest  bool

	// pubMu orders observer callbacks by state version
	pubMu     sync.Mutex
	published uint64
}

// New creates a Synchronizer. Nothing is loaded until Activate.
func New(fetcher fetch.Fetcher, subscriber Subscriber, opts Options) *Synchronizer {
	if opts.IDs == nil {
		opts.IDs = id.NewUUIDGenerator("")
	}

	m := newMerger(opts.Kind, opts.RowKey)
	return &Synchronizer{
		fetcher:    fetcher,
		subscriber: subscriber,
		opts:       opts,
		merger:     m,
		id:         opts.IDs.NextID(),
		state:      State{Status: Loading, Data: m.empty()},
	}
}

// ID returns the subscription identifier, stable for the Synchronizer's lifetime
func (s *Synchronizer) ID() string {
	return s.id
}

// Name returns the configured name, or the current path when unnamed
func (s *Synchronizer) Name() string {
	if s.opts.Name != "" {
		return s.opts.Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Path
}

// Kind returns the merge rule of the Synchronizer
func (s *Synchronizer) Kind() Kind {
	return s.opts.Kind
}

// Params returns the parameters of the current activation
func (s *Synchronizer) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// State returns a copy of the current state
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Released reports whether Release was called
func (s *Synchronizer) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Activate loads the resource for params and, when requested, subscribes to
// its events. Activating again with different params discards the held data
// and re-subscribes under the same identifier; identical params are a no-op.
// The snapshot is fetched in the background.
func (s *Synchronizer) Activate(ctx context.Context, params Params) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.activated && s.params.equal(params) {
		s.mu.Unlock()
		return nil
	}

	params.Query = cloneQuery(params.Query)
	wasSubscribed := s.subscribed
	s.activated = true
	s.params = params
	s.subscribed = params.SubscribeToEvents
	s.epoch++
	epoch := s.epoch
	fetchCtx, gen := s.restartLocked(ctx)
	state := s.state
	s.mu.Unlock()

	s.publish(state)

	if params.SubscribeToEvents {
		handler := func(ev protocol.Event) { s.handleEvent(epoch, ev) }
		if err := s.subscriber.Subscribe(s.id, params.Path, params.Query, handler); err != nil {
			s.mu.Lock()
			s.subscribed = false
			s.mu.Unlock()
			log.Warn().Err(err).Str("resource", s.Name()).Msg("Failed to subscribe")
		}
	} else if wasSubscribed {
		s.subscriber.Unsubscribe(s.id)
	}

	log.Debug().
		Str("resource", s.Name()).
		Str("uuid", s.id).
		Str("path", params.Path).
		Bool("subscribe", params.SubscribeToEvents).
		Bool("fetch_all", params.FetchAllData).
		Msg("Activated")

	go s.load(fetchCtx, gen, params)
	return nil
}

// Retry re-fetches the snapshot. The live subscription is left untouched.
func (s *Synchronizer) Retry(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if !s.activated {
		s.mu.Unlock()
		return errors.New("synchronizer not activated")
	}
	params := s.params
	fetchCtx, gen := s.restartLocked(ctx)
	state := s.state
	s.mu.Unlock()

	s.publish(state)
	go s.load(fetchCtx, gen, params)
	return nil
}

// Release unsubscribes and stops applying fetch responses and events.
// It is idempotent.
func (s *Synchronizer) Release() {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	subscribed := s.subscribed
	s.subscribed = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	if subscribed {
		s.subscriber.Unsubscribe(s.id)
	}
	log.Debug().Str("resource", s.Name()).Str("uuid", s.id).Msg("Released")
}

// restartLocked starts a new generation with empty data. Caller holds mu.
func (s *Synchronizer) restartLocked(ctx context.Context) (context.Context, uint64) {
	if s.cancel != nil {
		s.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.generation++
	s.hasDigest = false
	s.state = State{
		Status:  Loading,
		Data:    s.merger.empty(),
		Version: s.state.Version + 1,
	}
	return fetchCtx, s.generation
}

// load fetches the snapshot for one generation, following cursors when asked
func (s *Synchronizer) load(ctx context.Context, gen uint64, params Params) {
	start := time.Now()
	req := fetch.Request{Path: params.Path, Query: params.Query}
	pages := 0

	for {
		page, err := s.fetcher.Fetch(ctx, req)
		pages++

		if err != nil {
			s.fail(gen, fetch.AsAPIError(err))
			return
		}

		more := params.FetchAllData && page.NextCursor != "" && page.NextCursor != req.Cursor
		if !s.applyPage(gen, page.Data, !more) {
			return
		}
		if !more {
			break
		}
		req.Cursor = page.NextCursor
	}

	telemetry.SnapshotDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.SnapshotPages.Observe(float64(pages))
}

// currentLocked reports whether gen is still the live generation. Caller holds mu.
func (s *Synchronizer) currentLocked(gen uint64) bool {
	return !s.released && gen == s.generation
}

func (s *Synchronizer) applyPage(gen uint64, data any, final bool) bool {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		telemetry.EventsIgnoredTotal.With("stale").Inc()
		log.Debug().Str("uuid", s.id).Msg("Discarding response for previous activation")
		return false
	}

	merged, err := s.merger.merge(s.state.Data, data, false)
	if err != nil {
		s.state.Status = Error
		s.state.Err = &fetch.APIError{Kind: fetch.KindMalformed, Message: err.Error(), Err: err}
		s.state.Version++
		state := s.state
		s.mu.Unlock()

		s.publish(state)
		return false
	}

	s.state.Data = merged
	if final {
		s.state.Status = Ok
		s.state.Err = nil
	}
	s.state.Version++
	state := s.state
	s.mu.Unlock()

	s.publish(state)
	return true
}

func (s *Synchronizer) fail(gen uint64, apiErr *fetch.APIError) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}

	s.state.Status = Error
	s.state.Err = apiErr
	s.state.Version++
	state := s.state
	s.mu.Unlock()

	log.Warn().Err(apiErr).Str("resource", s.Name()).Msg("Fetch failed")
	s.publish(state)
}

// handleEvent applies one routed event. Events are processed in the order the
// channel delivers them. An event bound to an earlier epoch, or naming a
// resource other than the current one, belongs to previous params and is
// dropped.
func (s *Synchronizer) handleEvent(epoch uint64, ev protocol.Event) {
	s.mu.Lock()
	if s.released || !s.subscribed || ev.UUID != s.id || epoch != s.epoch || !s.ownsResourceLocked(ev.Resource) {
		s.mu.Unlock()
		telemetry.EventsIgnoredTotal.With("stale").Inc()
		return
	}

	if ev.Error != nil {
		s.state.Status = Error
		s.state.Err = &fetch.APIError{
			Kind:    fetch.ErrorKind(ev.Error.Kind),
			Message: ev.Error.Message,
		}
		s.state.Version++
		state := s.state
		s.mu.Unlock()

		s.publish(state)
		return
	}

	if len(ev.Raw) > 0 {
		digest := xxhash.Sum64(ev.Raw)
		if s.hasDigest && digest == s.lastDigest {
			s.mu.Unlock()
			telemetry.EventsIgnoredTotal.With("duplicate").Inc()
			return
		}
		s.lastDigest = digest
		s.hasDigest = true
	}

	merged, err := s.merger.merge(s.state.Data, ev.Payload, ev.Kind == protocol.EventReplace)
	if err != nil {
		s.mu.Unlock()
		telemetry.EventsIgnoredTotal.With("shape").Inc()
		log.Debug().Err(err).Str("uuid", ev.UUID).Msg("Ignoring event")
		return
	}

	s.state.Data = merged
	s.state.Version++
	state := s.state
	s.mu.Unlock()

	telemetry.EventsAppliedTotal.With(s.opts.Kind.String()).Inc()
	s.publish(state)
}

// ownsResourceLocked reports whether an event's resource field matches the
// current params. Frames without one are trusted. Caller holds mu.
func (s *Synchronizer) ownsResourceLocked(resource string) bool {
	if resource == "" || resource == s.params.Path {
		return true
	}
	return resource == protocol.WireResource(s.params.Path, s.params.Query)
}

// publish notifies observers of a new state. The loader and the event
// dispatcher publish from different goroutines, so a state older than the
// last one published is dropped rather than delivered out of order.
func (s *Synchronizer) publish(state State) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if state.Version <= s.published {
		log.Debug().Str("resource", s.Name()).Uint64("version", state.Version).Msg("Skipping superseded state")
		return
	}
	s.published = state.Version

	name := s.Name()

	if s.opts.OnChange != nil {
		s.opts.OnChange(name, state)
	}
	if s.opts.Hub != nil {
		s.opts.Hub.Signal(notify.Signal{
			Resource: name,
			ID:       s.id,
			Status:   state.Status.String(),
			Version:  state.Version,
		})
	}
}

func cloneQuery(q url.Values) url.Values {
	if len(q) == 0 {
		return nil
	}
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
