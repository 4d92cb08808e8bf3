package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

func TestCASLockClaimAndRelease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	lock := &LockInfo{Holder: "node-1", AcquiredAt: time.Now()}
	ok, err := s.CASLock(ctx, "a1", nil, lock)
	if err != nil {
		t.Fatalf("CASLock: %v", err)
	}
	if !ok {
		t.Fatal("initial claim should succeed")
	}

	// A second claim against "unheld" must fail.
	ok, err = s.CASLock(ctx, "a1", nil, &LockInfo{Holder: "node-2"})
	if err != nil {
		t.Fatalf("CASLock: %v", err)
	}
	if ok {
		t.Fatal("claim over a held lock succeeded")
	}

	// Release by the holder succeeds.
	ok, err = s.CASLock(ctx, "a1", lock, nil)
	if err != nil {
		t.Fatalf("CASLock: %v", err)
	}
	if !ok {
		t.Fatal("release by holder should succeed")
	}

	rt, err := s.LoadState(ctx, "a1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if rt.Lock != nil {
		t.Errorf("lock after release = %+v, want nil", rt.Lock)
	}
}

func TestCASLockReleaseByNonHolderFails(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := s.CASLock(ctx, "a1", nil, &LockInfo{Holder: "node-1"}); !ok {
		t.Fatal("claim failed")
	}
	ok, err := s.CASLock(ctx, "a1", &LockInfo{Holder: "node-2"}, nil)
	if err != nil {
		t.Fatalf("CASLock: %v", err)
	}
	if ok {
		t.Fatal("release by non-holder succeeded")
	}
}

// Many goroutines race to claim the same agent; exactly one must win.
func TestCASLockConcurrentClaims(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			holder := &LockInfo{Holder: string(rune('a' + n%26)), AcquiredAt: time.Now()}
			ok, err := s.CASLock(ctx, "contended", nil, holder)
			if err != nil {
				t.Errorf("CASLock: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, holder.Holder)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
}

func TestLockStale(t *testing.T) {
	now := time.Now()
	ttl := 30 * time.Minute

	fresh := &LockInfo{Holder: "n", AcquiredAt: now.Add(-5 * time.Minute)}
	if fresh.Stale(now, ttl) {
		t.Error("5-minute-old lock reported stale")
	}
	old := &LockInfo{Holder: "n", AcquiredAt: now.Add(-31 * time.Minute)}
	if !old.Stale(now, ttl) {
		t.Error("31-minute-old lock not reported stale")
	}
	var nilLock *LockInfo
	if nilLock.Stale(now, ttl) {
		t.Error("nil lock reported stale")
	}
}

func TestUpdateStatePreservesFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.UpdateState(ctx, "a1", func(rt *Runtime) {
		rt.Retry = &RetryInfo{Kind: "rate_limit", Attempts: 2}
	})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	rt, err := s.UpdateState(ctx, "a1", func(rt *Runtime) {
		rt.CancelRequested = true
	})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if rt.Retry == nil || rt.Retry.Attempts != 2 {
		t.Errorf("retry info lost across updates: %+v", rt.Retry)
	}
	if !rt.CancelRequested {
		t.Error("cancel flag not set")
	}
	if rt.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
}

func TestHistoryAppendAndClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	entries := []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "second"},
	}
	if err := s.AppendHistory(ctx, "a1", entries[:1]); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := s.AppendHistory(ctx, "a1", entries[1:]); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	got, err := s.History(ctx, "a1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].Content != "first" || got[1].Content != "second" {
		t.Fatalf("history = %+v", got)
	}

	if err := s.ClearHistory(ctx, "a1"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	got, err = s.History(ctx, "a1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("history after clear = %+v", got)
	}
}

func TestListAgents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"zed", "alice", "bob"} {
		if _, err := s.UpdateState(ctx, id, func(*Runtime) {}); err != nil {
			t.Fatalf("UpdateState: %v", err)
		}
	}
	ids, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	want := []string{"alice", "bob", "zed"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}
