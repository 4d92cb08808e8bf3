// Package stream defines the UI-facing event stream the agent core
// pushes into. The transport (SSE, WebSocket) is pluggable; the core
// only sees the Sink interface.
package stream

import (
	"sync"
	"time"
)

// EventType identifies a UI event.
type EventType string

const (
	// EventThink is incremental assistant reasoning text; always
	// forwarded, never filtered.
	EventThink EventType = "think"
	// EventToolStart announces the surfaced tool call for this turn.
	EventToolStart EventType = "tool_start"
	// EventToolArgument carries the growing, always-valid argument
	// object of the surfaced tool call.
	EventToolArgument EventType = "tool_argument_stream"
	// EventToolComplete marks the surfaced tool call finished.
	EventToolComplete EventType = "tool_complete"
)

// Event is one UI-facing event.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink consumes events in order. Implementations must not block
// indefinitely; the core pushes from the streaming hot path.
type Sink interface {
	Push(event Event)
}

// Think builds a reasoning-text event.
func Think(text string) Event {
	return Event{
		Type:      EventThink,
		Timestamp: time.Now(),
		Data:      map[string]any{"text": text},
	}
}

// ToolStart builds a tool-start event.
func ToolStart(id, name string) Event {
	return Event{
		Type:      EventToolStart,
		Timestamp: time.Now(),
		Data:      map[string]any{"id": id, "name": name},
	}
}

// ToolArgument builds a tool-argument event carrying the current
// best-effort completed argument object.
func ToolArgument(id, name string, args map[string]any) Event {
	return Event{
		Type:      EventToolArgument,
		Timestamp: time.Now(),
		Data:      map[string]any{"id": id, "name": name, "arguments": args},
	}
}

// ToolComplete builds a tool-complete event.
func ToolComplete(id, name string) Event {
	return Event{
		Type:      EventToolComplete,
		Timestamp: time.Now(),
		Data:      map[string]any{"id": id, "name": name},
	}
}

// NoopSink discards all events.
type NoopSink struct{}

// Push implements Sink.
func (NoopSink) Push(Event) {}

// Collector buffers events in memory for tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Push implements Sink.
func (c *Collector) Push(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// ByType returns collected events of one type, in order.
func (c *Collector) ByType(t EventType) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ChannelSink forwards events into a channel, dropping events when the
// consumer falls behind rather than stalling the stream.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Push implements Sink.
func (s *ChannelSink) Push(event Event) {
	select {
	case s.ch <- event:
	default:
	}
}

// Events returns the receive side of the channel.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close closes the channel. Callers must not Push after Close.
func (s *ChannelSink) Close() {
	close(s.ch)
}
