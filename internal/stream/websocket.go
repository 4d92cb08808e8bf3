package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSSink is a Sink that forwards events over a WebSocket connection as
// JSON text messages.
type WSSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *slog.Logger
}

// NewWSSink wraps an accepted WebSocket connection.
func NewWSSink(conn *websocket.Conn, logger *slog.Logger) *WSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSink{conn: conn, logger: logger}
}

// Push implements Sink. Write failures are logged and dropped; a dead
// client must not abort the agent run.
func (s *WSSink) Push(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("ws: failed to marshal event", "type", event.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("ws: dropped event", "type", event.Type, "error", err)
	}
}

// Close closes the underlying connection with a normal status.
func (s *WSSink) Close() {
	_ = s.conn.Close(websocket.StatusNormalClosure, "stream complete")
}
