package id

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator provides opaque subscription identifiers.
// Identifiers are unique per logical consumer and never reused by the generator.
type Generator interface {
	NextID() string
}

// UUIDGenerator generates random UUIDv4 identifiers, optionally namespaced
// by a client prefix so server-side logs can attribute subscriptions.
type UUIDGenerator struct {
	prefix string
}

// NewUUIDGenerator creates a new identifier generator.
// An empty prefix yields bare UUID strings.
func NewUUIDGenerator(prefix string) *UUIDGenerator {
	return &UUIDGenerator{prefix: prefix}
}

// NextID generates a new identifier.
// Format: "{prefix}.{uuid}" or "{uuid}" when no prefix is set.
func (g *UUIDGenerator) NextID() string {
	if g.prefix == "" {
		return uuid.NewString()
	}
	return g.prefix + "." + uuid.NewString()
}

// SequenceGenerator generates predictable identifiers ("{prefix}-1", "{prefix}-2", ...).
// Thread-safe; intended for tests and deterministic replays.
type SequenceGenerator struct {
	prefix string
	next   atomic.Uint64
}

// NewSequenceGenerator creates a new sequence-backed generator.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// NextID returns the next identifier in the sequence.
func (g *SequenceGenerator) NextID() string {
	return g.prefix + "-" + strconv.FormatUint(g.next.Add(1), 10)
}
