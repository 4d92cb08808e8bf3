package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(0)
	store.now = clock.now
	return NewBreaker(store, nil, WithClock(clock.now)), clock
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		if err := b.Allow(ctx, "anthropic"); err != nil {
			t.Fatalf("failure %d: Allow() = %v, want admitted", i+1, err)
		}
		b.RecordFailure(ctx, "anthropic")
	}

	err := b.Allow(ctx, "anthropic")
	if err == nil {
		t.Fatal("Allow() after 5 consecutive failures should reject")
	}
	if fault.KindOf(err) != fault.KindCircuitOpen {
		t.Errorf("rejection kind = %q, want %q", fault.KindOf(err), fault.KindCircuitOpen)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure(ctx, "anthropic")
	}
	if err := b.Allow(ctx, "anthropic"); err == nil {
		t.Fatal("circuit should be open before cooldown elapses")
	}

	clock.advance(DefaultCooldown)

	// Exactly one trial is admitted.
	if err := b.Allow(ctx, "anthropic"); err != nil {
		t.Fatalf("first Allow() after cooldown = %v, want admitted", err)
	}
	if err := b.Allow(ctx, "anthropic"); err == nil {
		t.Fatal("second Allow() during half-open trial should reject")
	}

	// Trial success closes the circuit and resets the failure count.
	b.RecordSuccess(ctx, "anthropic")
	if err := b.Allow(ctx, "anthropic"); err != nil {
		t.Fatalf("Allow() after trial success = %v, want admitted", err)
	}
	rec, ok, _ := b.Record(ctx, "anthropic")
	if !ok || rec.ConsecutiveFailures != 0 || rec.State != StateClosed {
		t.Errorf("record after success = %+v, want closed with 0 failures", rec)
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure(ctx, "openai")
	}
	clock.advance(DefaultCooldown)

	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("trial Allow() = %v, want admitted", err)
	}
	b.RecordFailure(ctx, "openai")

	// The cooldown clock restarted: still rejected before it elapses.
	clock.advance(DefaultCooldown / 2)
	if err := b.Allow(ctx, "openai"); err == nil {
		t.Fatal("Allow() should reject while reopened cooldown is running")
	}
	clock.advance(DefaultCooldown / 2)
	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("Allow() after restarted cooldown = %v, want admitted", err)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (Record, bool, error) {
	return Record{}, false, errors.New("store down")
}

func (failingStore) Update(context.Context, string, func(*Record)) (Record, error) {
	return Record{}, errors.New("store down")
}

func TestBreakerFailsOpenOnStoreError(t *testing.T) {
	b := NewBreaker(failingStore{}, nil)
	if err := b.Allow(context.Background(), "anthropic"); err != nil {
		t.Errorf("Allow() with unreachable store = %v, want admitted", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure(ctx, "anthropic")
	}
	b.RecordSuccess(ctx, "anthropic")
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure(ctx, "anthropic")
	}
	if err := b.Allow(ctx, "anthropic"); err != nil {
		t.Errorf("Allow() = %v, want admitted: success should reset the streak", err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	store := NewMemoryStore(time.Minute)
	store.now = clock.now
	ctx := context.Background()

	_, _ = store.Update(ctx, "anthropic", func(r *Record) {
		r.State = StateOpen
		r.ConsecutiveFailures = 7
	})
	clock.advance(2 * time.Minute)

	if _, ok, _ := store.Get(ctx, "anthropic"); ok {
		t.Error("expired record should not be returned")
	}
	rec, _ := store.Update(ctx, "anthropic", func(*Record) {})
	if rec.State != StateClosed || rec.ConsecutiveFailures != 0 {
		t.Errorf("expired record should reset to fresh closed state, got %+v", rec)
	}
}
