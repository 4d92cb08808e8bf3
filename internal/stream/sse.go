package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// SSEWriter is a Sink that writes events to an HTTP response as
// Server-Sent Events.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger
}

// NewSSEWriter creates an SSE sink, setting the stream headers.
func NewSSEWriter(w http.ResponseWriter, logger *slog.Logger) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if logger == nil {
		logger = slog.Default()
	}
	return &SSEWriter{w: w, flusher: flusher, logger: logger}, nil
}

// Push implements Sink: each event becomes one named SSE event.
func (s *SSEWriter) Push(event Event) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		s.logger.Warn("sse: failed to marshal event", "type", event.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}
