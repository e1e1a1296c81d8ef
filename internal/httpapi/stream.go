package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"medshare.org/internal/stream"
)

// streamEvents serves grant events the caller owns or requested as
// Server-Sent Events until the client goes away.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.stream.Subscribe(r.Context(), stream.ForUser(callerID(r)))

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for evt := range ch {
		payload, err := json.Marshal(evt)
		if err != nil {
			a.log.Warn("encode grant event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
			return
		}
		flusher.Flush()
	}
}
