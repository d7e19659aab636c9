package admin

import "net/http"

// handleSubscriptions lists live subscription records in registration order
func (h *AdminHandlers) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	records := h.opts.Subscriptions.Records()
	writeJSONResponse(w, map[string]interface{}{
		"socket":  h.opts.Subscriptions.State().String(),
		"records": records,
	}, false, len(records))
}

// handleMirror reports the publish log head and each sink's cursor and lag
func (h *AdminHandlers) handleMirror(w http.ResponseWriter, r *http.Request) {
	if h.opts.Mirror == nil {
		writeErrorResponse(w, http.StatusNotFound, "change mirror is disabled")
		return
	}

	cursors, last := h.opts.Mirror.Cursors()
	lag := make(map[string]uint64, len(cursors))
	for name, c := range cursors {
		if last > c {
			lag[name] = last - c
		} else {
			lag[name] = 0
		}
	}

	writeJSONResponse(w, map[string]interface{}{
		"last_seq": last,
		"cursors":  cursors,
		"lag":      lag,
	}, false, 0)
}
