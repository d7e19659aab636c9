// Package multiplexer carries many subscriptions over one socket channel.
//
// Each subscription is identified by a client-chosen opaque identifier and
// bound to one resource path. The multiplexer is the only writer of control
// frames: it emits UNSUBSCRIBE before SUBSCRIBE when an identifier is reused,
// replays every live subscription after each reconnect, and routes inbound
// events to the handler registered for their identifier.
package multiplexer

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/protocol"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// Channel is the transport the multiplexer writes to
type Channel interface {
	Connect(ctx context.Context) error
	Send(data []byte) bool
	OnMessage(handler channel.MessageHandler)
	OnConnectionStateChange(handler channel.StateHandler)
	State() channel.State
	Close() error
}

// Connector opens a new, not yet connected, Channel
type Connector func() Channel

// EventHandler receives events routed to one subscription
type EventHandler func(ev protocol.Event)

// Record is one live subscription
type Record struct {
	ID       string     `json:"id"`
	Path     string     `json:"path"`
	Query    url.Values `json:"query,omitempty"`
	Resource string     `json:"resource"` // Resource string sent in SUBSCRIBE
}

type route struct {
	record  Record
	onEvent EventHandler
}

// Multiplexer owns the route table and the shared channel
type Multiplexer struct {
	ctx     context.Context
	codec   protocol.Codec
	connect Connector

	mu        sync.Mutex
	ch        Channel
	connected bool
	routes    map[string]*route
	order     []string // identifiers in registration order
}

// New creates a Multiplexer. The channel is opened through connector when the
// first subscription is registered and closed when the last one is removed.
func New(ctx context.Context, connector Connector, codec protocol.Codec) *Multiplexer {
	if codec == nil {
		codec = protocol.JSON
	}
	return &Multiplexer{
		ctx:     ctx,
		codec:   codec,
		connect: connector,
		routes:  make(map[string]*route),
	}
}

// Subscribe binds id to path and routes its events to onEvent.
// If id already has a subscription, UNSUBSCRIBE(id) is sent before
// SUBSCRIBE(id, path) and no other frame is written between the two.
func (m *Multiplexer) Subscribe(id, path string, query url.Values, onEvent EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.routes[id]; ok {
		m.send(protocol.Unsubscribe(id), "replace")
		m.remove(id)
	}

	rec := Record{
		ID:       id,
		Path:     path,
		Query:    cloneQuery(query),
		Resource: protocol.WireResource(path, query),
	}
	m.routes[id] = &route{record: rec, onEvent: onEvent}
	m.order = append(m.order, id)
	telemetry.ActiveSubscriptions.Set(float64(len(m.routes)))

	if m.ch == nil {
		if err := m.open(); err != nil {
			m.remove(id)
			return err
		}
	}

	m.send(protocol.Subscribe(id, rec.Resource), "subscribe")
	log.Debug().Str("uuid", id).Str("resource", rec.Resource).Msg("Subscribed")
	return nil
}

// Unsubscribe removes the subscription for id. Unknown identifiers are ignored.
func (m *Multiplexer) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.routes[id]; !ok {
		return
	}

	m.send(protocol.Unsubscribe(id), "unsubscribe")
	m.remove(id)
	log.Debug().Str("uuid", id).Msg("Unsubscribed")

	if len(m.routes) == 0 {
		m.shutdown()
	}
}

// Records returns live subscriptions in registration order
func (m *Multiplexer) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		records = append(records, m.routes[id].record)
	}
	return records
}

// State returns the state of the shared channel
func (m *Multiplexer) State() channel.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch == nil {
		return channel.Disconnected
	}
	return m.ch.State()
}

// Close drops every subscription and closes the channel without sending
// UNSUBSCRIBE frames.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.routes = make(map[string]*route)
	m.order = nil
	telemetry.ActiveSubscriptions.Set(0)
	m.shutdown()
}

// open connects a fresh channel. Caller holds mu.
func (m *Multiplexer) open() error {
	ch := m.connect()
	ch.OnMessage(func(data []byte) {
		m.handleFrame(ch, data)
	})
	ch.OnConnectionStateChange(func(state channel.State) {
		m.handleState(ch, state)
	})

	m.ch = ch
	m.connected = false

	if err := ch.Connect(m.ctx); err != nil {
		m.ch = nil
		return err
	}
	log.Debug().Msg("Socket channel opened")
	return nil
}

// shutdown closes the channel. Caller holds mu.
func (m *Multiplexer) shutdown() {
	if m.ch == nil {
		return
	}

	ch := m.ch
	m.ch = nil
	m.connected = false
	if err := ch.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close socket channel")
	}
	log.Debug().Msg("Socket channel closed")
}

// remove drops the route for id. Caller holds mu.
func (m *Multiplexer) remove(id string) {
	delete(m.routes, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	telemetry.ActiveSubscriptions.Set(float64(len(m.routes)))
}

// send writes a control frame if the channel is connected. Caller holds mu.
func (m *Multiplexer) send(c protocol.Control, reason string) {
	if m.ch == nil || !m.connected {
		return
	}

	data, err := m.codec.Encode(c)
	if err != nil {
		log.Error().Err(err).Str("uuid", c.UUID).Msg("Failed to encode control frame")
		return
	}

	if m.ch.Send(data) {
		telemetry.ControlMessagesTotal.With(strings.ToLower(c.Type), reason).Inc()
	}
}

func (m *Multiplexer) handleState(ch Channel, state channel.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch != ch {
		return
	}

	if state != channel.Connected {
		m.connected = false
		return
	}

	m.connected = true
	for _, id := range m.order {
		m.send(protocol.Subscribe(id, m.routes[id].record.Resource), "replay")
	}
	telemetry.ResubscribeRoundsTotal.Inc()
	log.Debug().Int("subscriptions", len(m.order)).Msg("Replayed subscriptions")
}

func (m *Multiplexer) handleFrame(ch Channel, data []byte) {
	ev, err := m.codec.Decode(data)
	if err != nil {
		telemetry.FramesDroppedTotal.With("malformed").Inc()
		log.Debug().Err(err).Msg("Dropping malformed frame")
		return
	}

	m.mu.Lock()
	r, ok := m.routes[ev.UUID]
	current := m.ch == ch
	m.mu.Unlock()

	if !current {
		return
	}

	if !ok {
		telemetry.FramesDroppedTotal.With("unknown_uuid").Inc()
		log.Debug().Str("uuid", ev.UUID).Msg("Dropping frame for unknown subscription")
		return
	}

	if ev.Resource != "" && ev.Resource != r.record.Path && ev.Resource != r.record.Resource {
		telemetry.FramesDroppedTotal.With("stale_resource").Inc()
		log.Debug().
			Str("uuid", ev.UUID).
			Str("resource", ev.Resource).
			Str("expected", r.record.Resource).
			Msg("Dropping frame for previous resource")
		return
	}

	// Handlers run without the lock so they may subscribe or unsubscribe
	r.onEvent(ev)
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
