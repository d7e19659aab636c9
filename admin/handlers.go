// Package admin serves a read-mostly JSON view of the running daemon:
// live subscriptions, synchronized resources, the change mirror and a
// server-sent event stream of resource changes.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/multiplexer"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/resource"
	"github.com/rs/zerolog/log"
)

const (
	defaultLimit = 256
	maxLimit     = 4096
)

// Subscriptions is the part of the multiplexer the admin surface reads
type Subscriptions interface {
	Records() []multiplexer.Record
	State() channel.State
}

// Mirror reports change mirror progress
type Mirror interface {
	Cursors() (map[string]uint64, uint64)
}

// Options wire the handlers to the daemon's components. Mirror, Hub and
// OnRelease are optional.
type Options struct {
	Resources     *resource.Registry
	Subscriptions Subscriptions
	Mirror        Mirror
	Hub           *notify.Hub
	OnRelease     func(name, path string)
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	opts Options
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(opts Options) *AdminHandlers {
	return &AdminHandlers{opts: opts}
}

// writeJSONResponse writes {"data": ...} with optional paging hints
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, total int) {
	response := map[string]interface{}{
		"data": data,
	}
	if hasMore {
		response["has_more"] = true
		response["total"] = total
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes {"error": message}
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > maxLimit {
		return 0, fmt.Errorf("limit cannot exceed %d", maxLimit)
	}
	return limit, nil
}
