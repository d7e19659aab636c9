// Package notify fans out resource change signals to interested consumers.
//
// Delivery never blocks the publisher. A subscriber that falls behind loses
// its oldest pending signals, so the newest version of each resource is
// always the last thing it reads.
package notify

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// defaultSignalBufferSize is the number of pending signals kept per subscriber
const defaultSignalBufferSize = 16

// Signal announces that a synchronized resource changed state
type Signal struct {
	Resource string // Registry name, or the path for unnamed synchronizers
	ID       string // Subscription identifier of the synchronizer
	Status   string
	Version  uint64 // Increases with every applied change
}

// Filter selects signals by resource name. Empty matches all resources.
type Filter struct {
	Resources []string
}

type subscriber struct {
	filter Filter
	ch     chan Signal

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func (s *subscriber) wants(resource string) bool {
	return len(s.filter.Resources) == 0 || slices.Contains(s.filter.Resources, resource)
}

// deliver enqueues sig, evicting the oldest pending signal when full
func (s *subscriber) deliver(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- sig:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for resource change signals
type Hub struct {
	subscribers *xsync.MapOf[uint64, *subscriber]
	nextID      atomic.Uint64
	closed      atomic.Bool
}

func NewHub() *Hub {
	return &Hub{subscribers: xsync.NewMapOf[uint64, *subscriber]()}
}

// Signal delivers to every matching subscriber without blocking
func (h *Hub) Signal(signal Signal) {
	h.subscribers.Range(func(_ uint64, sub *subscriber) bool {
		if sub.wants(signal.Resource) {
			sub.deliver(signal)
		}
		return true
	})
}

// Subscribe registers a subscriber and returns its signal channel and an
// idempotent cancel function. The channel is closed by cancel or Close.
// Subscribing to a closed hub yields an already closed channel.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscriber{
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}
	if h.closed.Load() {
		sub.close()
		return sub.ch, func() {}
	}

	id := h.nextID.Add(1)
	h.subscribers.Store(id, sub)

	// Close may have swept the map before Store
	if h.closed.Load() {
		h.unsubscribe(id)
	}

	return sub.ch, func() { h.unsubscribe(id) }
}

// Len returns the number of active subscribers
func (h *Hub) Len() int {
	return h.subscribers.Size()
}

// Dropped returns the total number of signals evicted from slow subscribers
func (h *Hub) Dropped() uint64 {
	var total uint64
	h.subscribers.Range(func(_ uint64, sub *subscriber) bool {
		sub.mu.Lock()
		total += sub.dropped
		sub.mu.Unlock()
		return true
	})
	return total
}

// Close ends every subscription. Later signals are discarded.
func (h *Hub) Close() {
	h.closed.Store(true)
	h.subscribers.Range(func(id uint64, _ *subscriber) bool {
		h.unsubscribe(id)
		return true
	})
}

func (h *Hub) unsubscribe(id uint64) {
	if sub, ok := h.subscribers.LoadAndDelete(id); ok {
		sub.close()
	}
}
