package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
)

// streamEvents writes the tenant's stage events as server-sent events.
// ?taskId= narrows the stream to one task.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, errdefs.NotFound("event stream"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	tenant := tenantFrom(r.Context())
	taskID := r.URL.Query().Get("taskId")

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub:
			if !ok {
				return
			}
			if event.TenantID != tenant || (taskID != "" && event.TaskID != taskID) {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
