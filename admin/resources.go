package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/livesync/fetch"
	"github.com/maxpert/livesync/filter"
	"github.com/maxpert/livesync/resource"
	"github.com/rs/zerolog/log"
)

type resourceSummary struct {
	Name     string          `json:"name"`
	ID       string          `json:"id"`
	Path     string          `json:"path"`
	Kind     string          `json:"kind"`
	Status   resource.Status `json:"status"`
	Version  uint64          `json:"version"`
	Size     int             `json:"size"`
	Released bool            `json:"released"`
}

type resourceDetail struct {
	resourceSummary
	Filter []string        `json:"filter,omitempty"`
	Error  *fetch.APIError `json:"error,omitempty"`
	Data   resource.Data   `json:"data"`
}

func summarize(name string, s *resource.Synchronizer, state resource.State) resourceSummary {
	return resourceSummary{
		Name:     name,
		ID:       s.ID(),
		Path:     s.Params().Path,
		Kind:     s.Kind().String(),
		Status:   state.Status,
		Version:  state.Version,
		Size:     state.Data.Len(),
		Released: s.Released(),
	}
}

// handleListResources returns one summary per registered resource
func (h *AdminHandlers) handleListResources(w http.ResponseWriter, r *http.Request) {
	names := h.opts.Resources.Names()
	out := make([]resourceSummary, 0, len(names))
	for _, name := range names {
		s, ok := h.opts.Resources.Get(name)
		if !ok {
			continue
		}
		out = append(out, summarize(name, s, s.State()))
	}
	writeJSONResponse(w, out, false, len(out))
}

// handleGetResource returns a resource's state. Repeated q parameters are
// filter tokens applied to list rows; limit caps the returned rows.
func (h *AdminHandlers) handleGetResource(w http.ResponseWriter, r *http.Request, name string, s *resource.Synchronizer) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	set, err := filter.ParseAll(r.URL.Query()["q"])
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	state := s.State()
	data := state.Data
	if set.Len() > 0 {
		data = data.Filter(set.Match)
	}

	total := data.Len()
	hasMore := data.Kind == resource.List && total > limit
	if hasMore {
		data.Rows = data.Rows[:limit]
	}

	detail := resourceDetail{
		resourceSummary: summarize(name, s, state),
		Error:           state.Err,
		Data:            data,
	}
	for _, tok := range set.Tokens() {
		detail.Filter = append(detail.Filter, tok.String())
	}

	writeJSONResponse(w, detail, hasMore, total)
}

// handleRetry re-fetches a resource without touching its subscription
func (h *AdminHandlers) handleRetry(w http.ResponseWriter, r *http.Request, name string, s *resource.Synchronizer) {
	// The fetch outlives this request
	if err := s.Retry(context.WithoutCancel(r.Context())); err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}

	log.Info().Str("resource", name).Msg("Retry requested via admin")
	writeJSONResponse(w, summarize(name, s, s.State()), false, 0)
}

// handleRelease unsubscribes and unregisters a resource
func (h *AdminHandlers) handleRelease(w http.ResponseWriter, r *http.Request, name string, s *resource.Synchronizer) {
	path := s.Params().Path
	if !h.opts.Resources.Remove(name) {
		writeErrorResponse(w, http.StatusNotFound, "resource '"+name+"' not found")
		return
	}
	if h.opts.OnRelease != nil {
		h.opts.OnRelease(name, path)
	}

	log.Info().Str("resource", name).Msg("Released via admin")
	w.WriteHeader(http.StatusNoContent)
}

// withResource resolves {name} before calling fn
func (h *AdminHandlers) withResource(fn func(http.ResponseWriter, *http.Request, string, *resource.Synchronizer)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		s, ok := h.opts.Resources.Get(name)
		if !ok {
			writeErrorResponse(w, http.StatusNotFound, "resource '"+name+"' not found")
			return
		}
		fn(w, r, name, s)
	}
}
