// Package policy implements the per-turn tool surfacing policy. The
// model may request several tool calls in one turn; only the first one
// is shown to the user, the rest execute silently.
package policy

import "sync"

// TurnPolicy is a single-use latch created fresh for each agent turn.
// The first tool start wins; nothing selected afterward is admitted for
// that turn instance. The policy gates display only, never execution.
type TurnPolicy struct {
	mu         sync.Mutex
	selectedID string
	selected   bool
}

// NewTurnPolicy creates the latch for one turn.
func NewTurnPolicy() *TurnPolicy {
	return &TurnPolicy{}
}

// ConsiderToolStart admits a tool-start event only if no tool has been
// selected this turn.
func (p *TurnPolicy) ConsiderToolStart(name, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.selected {
		return false
	}
	p.selected = true
	p.selectedID = id
	return true
}

// ConsiderToolComplete admits a tool-complete event only for the
// selected tool call, regardless of completion order.
func (p *TurnPolicy) ConsiderToolComplete(name, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected && p.selectedID == id
}

// SelectedID returns the id of the surfaced tool call, if any.
func (p *TurnPolicy) SelectedID() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectedID, p.selected
}
