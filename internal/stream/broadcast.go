package stream

import "sync"

// Tagged wraps a sink so every event carries fixed extra fields, e.g.
// the agent and run ids of the run that produced it.
func Tagged(next Sink, fields map[string]any) Sink {
	return &taggedSink{next: next, fields: fields}
}

type taggedSink struct {
	next   Sink
	fields map[string]any
}

func (s *taggedSink) Push(event Event) {
	data := make(map[string]any, len(event.Data)+len(s.fields))
	for k, v := range event.Data {
		data[k] = v
	}
	for k, v := range s.fields {
		data[k] = v
	}
	event.Data = data
	s.next.Push(event)
}

// Broadcaster fans events out to any number of subscribers. Slow
// subscribers drop events instead of stalling the producing run.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscription)}
}

// Push implements Sink.
func (b *Broadcaster) Push(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe registers a consumer. filter may be nil to receive
// everything. The returned cancel func closes the channel and must be
// called exactly once.
func (b *Broadcaster) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer), filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// ForAgent returns a filter matching events tagged with agentID.
func ForAgent(agentID string) func(Event) bool {
	return func(e Event) bool {
		return e.Data["agent_id"] == agentID
	}
}
