package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maxpert/livesync/notify"
)

const watchKeepalive = 15 * time.Second

type watchEvent struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	Status   string `json:"status"`
	Version  uint64 `json:"version"`
}

// handleWatch streams change signals as server-sent events until the
// client goes away. Repeated resource parameters narrow the stream.
// Signals are coalesced hints; clients re-read the resource for its data.
func (h *AdminHandlers) handleWatch(w http.ResponseWriter, r *http.Request) {
	if h.opts.Hub == nil {
		writeErrorResponse(w, http.StatusNotFound, "change notifications are disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	signals, cancel := h.opts.Hub.Subscribe(notify.Filter{Resources: r.URL.Query()["resource"]})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": watching\n\n")
	flusher.Flush()

	ticker := time.NewTicker(watchKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case sig, ok := <-signals:
			if !ok {
				return
			}
			payload, err := json.Marshal(watchEvent{
				Resource: sig.Resource,
				ID:       sig.ID,
				Status:   sig.Status,
				Version:  sig.Version,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\nid: %d\ndata: %s\n\n", sig.Version, payload)
			flusher.Flush()
		}
	}
}
