package policy

import "testing"

func TestFirstToolStartWins(t *testing.T) {
	p := NewTurnPolicy()

	got := []bool{
		p.ConsiderToolStart("search", "A"),
		p.ConsiderToolStart("notes", "B"),
		p.ConsiderToolStart("search", "C"),
	}
	want := []bool{true, false, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ConsiderToolStart #%d = %v, want %v", i+1, got[i], want[i])
		}
	}
}

func TestCompleteOnlyForSelected(t *testing.T) {
	p := NewTurnPolicy()
	p.ConsiderToolStart("search", "A")
	p.ConsiderToolStart("notes", "B")

	// Completion order does not matter; only the selected id passes.
	if p.ConsiderToolComplete("notes", "B") {
		t.Error("ConsiderToolComplete(B) = true, want false")
	}
	if !p.ConsiderToolComplete("search", "A") {
		t.Error("ConsiderToolComplete(A) = false, want true")
	}
}

func TestCompleteBeforeAnyStart(t *testing.T) {
	p := NewTurnPolicy()
	if p.ConsiderToolComplete("search", "A") {
		t.Error("ConsiderToolComplete with nothing selected should be false")
	}
}

func TestSelectedID(t *testing.T) {
	p := NewTurnPolicy()
	if _, ok := p.SelectedID(); ok {
		t.Error("SelectedID before any start should report none")
	}
	p.ConsiderToolStart("search", "A")
	id, ok := p.SelectedID()
	if !ok || id != "A" {
		t.Errorf("SelectedID() = %q, %v, want A, true", id, ok)
	}
}
