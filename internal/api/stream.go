package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/events"
)

// streamEvents handles GET /v1/events as a Server-Sent Events stream. Optional
// job_id, owner and type (comma-separated) query parameters narrow the feed.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	feed, unsubscribe := s.events.Subscribe(eventFilter(r))
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	var seq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-feed:
			if !open {
				return
			}
			seq++
			if err := writeEvent(w, seq, evt); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, seq uint64, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, evt.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func eventFilter(r *http.Request) func(events.Event) bool {
	q := r.URL.Query()
	jobID := strings.TrimSpace(q.Get("job_id"))
	owner := strings.TrimSpace(q.Get("owner"))
	types := map[events.Type]bool{}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			types[events.Type(strings.ToUpper(strings.TrimSpace(part)))] = true
		}
	}
	if jobID == "" && owner == "" && len(types) == 0 {
		return nil
	}
	return func(evt events.Event) bool {
		if jobID != "" && evt.JobID != jobID {
			return false
		}
		if owner != "" && evt.Owner != owner {
			return false
		}
		return len(types) == 0 || types[evt.Type]
	}
}
