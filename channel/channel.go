// Package channel maintains one long-lived websocket to the server.
//
// A Channel owns exactly one physical connection at a time and reconnects with
// exponential backoff when it drops. Socket I/O runs on its own goroutine and
// hands frames and state transitions to a single dispatcher goroutine through a
// buffered queue, so handlers observe frames and transitions in the order they
// happened and never run concurrently with each other.
package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when connecting a channel that was already closed
var ErrClosed = errors.New("channel closed")

// MessageHandler receives one inbound frame
type MessageHandler func(data []byte)

// StateHandler receives a connection state transition
type StateHandler func(state State)

// event is either a state transition or an inbound frame
type event struct {
	isState bool
	state   State
	conn    *connection
	data    []byte
}

// connection wraps one physical websocket
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *connection) write(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteMessage(messageType, data)
}

// Channel is a self-reconnecting websocket handle
type Channel struct {
	url      string
	settings Settings
	dialer   *websocket.Dialer

	mu        sync.Mutex
	onMessage []MessageHandler
	onState   []StateHandler
	state     State       // last dispatched state
	active    *connection // writable once its Connected transition is dispatched
	started   bool
	closed    bool
	cancel    context.CancelFunc

	events chan event
	done   chan struct{}
}

// New creates a Channel for url. Nothing is dialed until Connect.
func New(url string, settings Settings) *Channel {
	if settings.QueueSize < 1 {
		settings.QueueSize = 1
	}
	if settings.ReconnectInitial <= 0 {
		settings.ReconnectInitial = DefaultSettings().ReconnectInitial
	}
	if settings.ReconnectMax < settings.ReconnectInitial {
		settings.ReconnectMax = settings.ReconnectInitial
	}
	if settings.ReconnectMultiplier < 1 {
		settings.ReconnectMultiplier = 1
	}

	return &Channel{
		url:      url,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		state:  Disconnected,
		events: make(chan event, settings.QueueSize),
		done:   make(chan struct{}),
	}
}

// OnMessage registers a handler for inbound frames
func (c *Channel) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, handler)
}

// OnConnectionStateChange registers a handler for state transitions.
// Transitions are deduplicated: a handler never sees the same state twice in a row.
func (c *Channel) OnConnectionStateChange(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, handler)
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through state handlers. Calling Connect again is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
	go c.dispatch()

	return nil
}

// Send writes one frame. When the channel is not connected the frame is
// dropped and Send returns false; frames are never queued for later.
func (c *Channel) Send(data []byte) bool {
	c.mu.Lock()
	conn := c.active
	c.mu.Unlock()

	if conn == nil {
		telemetry.SocketFramesTotal.With("unsent").Inc()
		log.Debug().Str("url", c.url).Msg("Socket not connected, frame dropped")
		return false
	}

	if err := conn.write(c.messageType(), data, c.settings.WriteTimeout); err != nil {
		telemetry.SocketFramesTotal.With("unsent").Inc()
		log.Warn().Err(err).Str("url", c.url).Msg("Socket write failed")
		// The reader notices the closed socket and reports Disconnected
		conn.ws.Close()
		return false
	}

	telemetry.SocketFramesTotal.With("sent").Inc()
	return true
}

// State returns the last dispatched connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Disconnected
	}
	return c.state
}

// Close stops reconnecting and closes the socket. It is idempotent and does
// not wait for the dispatcher, so it is safe to call from a handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.active = nil
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		close(c.done)
		return nil
	}

	cancel()
	return nil
}

// Done is closed once the channel is closed and every queued event was dispatched
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) messageType() int {
	if c.settings.Binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// run dials, reads and reconnects until ctx is cancelled
func (c *Channel) run(ctx context.Context) {
	defer close(c.events)

	backoff := c.settings.ReconnectInitial
	for {
		c.events <- event{isState: true, state: Connecting}

		ws, _, err := c.dialer.DialContext(ctx, c.url, c.settings.Header)
		if err == nil {
			telemetry.SocketConnectsTotal.With("success").Inc()
			log.Info().Str("url", c.url).Msg("Socket connected")
			backoff = c.settings.ReconnectInitial
			c.serve(ctx, ws)
		} else if ctx.Err() == nil {
			telemetry.SocketConnectsTotal.With("failed").Inc()
			log.Warn().Err(err).Str("url", c.url).Dur("retry_in", backoff).Msg("Socket connect failed")
		}

		c.events <- event{isState: true, state: Disconnected}

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.settings)
	}
}

// serve reads frames from one connection until it breaks or ctx is cancelled
func (c *Channel) serve(ctx context.Context, ws *websocket.Conn) {
	conn := &connection{ws: ws}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.keepalive(connCtx, conn)

	c.extendReadDeadline(ws)
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline(ws)
		return nil
	})

	c.events <- event{isState: true, state: Connected, conn: conn}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Info().Err(err).Str("url", c.url).Msg("Socket connection lost")
			}
			return
		}
		c.extendReadDeadline(ws)

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			telemetry.SocketFramesTotal.With("received").Inc()
			c.events <- event{data: data}
		default:
			log.Debug().Int("type", messageType).Msg("Ignoring socket message")
		}
	}
}

// keepalive pings the server and closes the socket when the connection ends
func (c *Channel) keepalive(ctx context.Context, conn *connection) {
	defer conn.ws.Close()

	if c.settings.PingInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("Socket ping failed")
				return
			}
		}
	}
}

func (c *Channel) extendReadDeadline(ws *websocket.Conn) {
	if c.settings.ReadTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	}
}

// dispatch invokes handlers for queued events, one at a time, in queue order
func (c *Channel) dispatch() {
	defer close(c.done)

	for ev := range c.events {
		if ev.isState {
			c.dispatchState(ev)
			continue
		}

		c.mu.Lock()
		handlers := c.onMessage
		closed := c.closed
		c.mu.Unlock()

		if closed {
			continue
		}
		for _, h := range handlers {
			h(ev.data)
		}
	}
}

func (c *Channel) dispatchState(ev event) {
	c.mu.Lock()
	if c.closed && ev.state != Disconnected {
		c.mu.Unlock()
		return
	}

	if ev.state == Connected {
		c.active = ev.conn
	} else {
		c.active = nil
	}

	if ev.state == c.state {
		c.mu.Unlock()
		return
	}
	c.state = ev.state
	handlers := c.onState
	c.mu.Unlock()

	for _, s := range allStates {
		value := 0.0
		if s == ev.state {
			value = 1
		}
		telemetry.SocketState.With(s.String()).Set(value)
	}

	log.Debug().Str("url", c.url).Stringer("state", ev.state).Msg("Socket state changed")
	for _, h := range handlers {
		h(ev.state)
	}
}
