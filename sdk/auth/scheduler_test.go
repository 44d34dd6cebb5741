package auth

import (
	"context"
	"testing"
	"time"
)

func TestRefreshDelay(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_000_000_000)
	tests := []struct {
		name    string
		expires time.Duration
		want    time.Duration
	}{
		{"ten minutes out", 10 * time.Minute, 5 * time.Minute},
		{"two minutes out", 2 * time.Minute, 0},
		{"exactly at buffer", 5 * time.Minute, 0},
		{"already expired", -time.Minute, 0},
		{"one hour out", time.Hour, 55 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RefreshDelay(now.Add(tt.expires).UnixMilli(), now, DefaultRefreshBuffer)
			if got != tt.want {
				t.Fatalf("RefreshDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchedulerArmsFromStoredExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewFileTokenStore(t.TempDir())
	fired := 0
	s := NewScheduler(store, clock, DefaultRefreshBuffer, func() { fired++ })

	if _, armed := s.Reschedule(ctx); armed {
		t.Fatal("nothing stored, nothing should be armed")
	}

	if err := store.Save(ctx, sampleBundle("a", clock.Now().Add(10*time.Minute).UnixMilli())); err != nil {
		t.Fatal(err)
	}
	delay, armed := s.Reschedule(ctx)
	if !armed || delay != 5*time.Minute {
		t.Fatalf("expected 5m timer, got %v armed=%v", delay, armed)
	}

	if err := store.Save(ctx, sampleBundle("b", clock.Now().Add(2*time.Minute).UnixMilli())); err != nil {
		t.Fatal(err)
	}
	delay, armed = s.Reschedule(ctx)
	if !armed || delay != 0 {
		t.Fatalf("expected immediate timer, got %v armed=%v", delay, armed)
	}
	if pending := clock.Pending(); len(pending) != 1 {
		t.Fatalf("expected exactly one pending timer, got %v", pending)
	}

	clock.Advance(0)
	if fired != 1 {
		t.Fatalf("expected one fire, got %d", fired)
	}
	if s.Pending() {
		t.Fatal("timer should be cleared after firing")
	}
}

func TestSchedulerCancelMakesFireNoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewFileTokenStore(t.TempDir())
	fired := 0
	s := NewScheduler(store, clock, DefaultRefreshBuffer, func() { fired++ })

	if err := store.Save(ctx, sampleBundle("a", clock.Now().Add(6*time.Minute).UnixMilli())); err != nil {
		t.Fatal(err)
	}
	s.Reschedule(ctx)
	s.Cancel()
	clock.Advance(time.Hour)
	if fired != 0 {
		t.Fatalf("cancelled timer fired %d times", fired)
	}
}

func TestSchedulerStaleCallbackIsIgnored(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewFileTokenStore(t.TempDir())
	fired := 0
	s := NewScheduler(store, clock, DefaultRefreshBuffer, func() { fired++ })
	if err := store.Save(ctx, sampleBundle("a", clock.Now().Add(6*time.Minute).UnixMilli())); err != nil {
		t.Fatal(err)
	}
	s.Reschedule(ctx)

	// A callback that lost the race with Stop must not run fire.
	s.mu.Lock()
	stale := s.seq
	s.mu.Unlock()
	s.Reschedule(ctx)
	s.onTimer(stale)
	if fired != 0 {
		t.Fatalf("stale callback fired")
	}
	clock.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("expected the current timer to fire once, got %d", fired)
	}
}
