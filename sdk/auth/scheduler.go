package auth

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRefreshBuffer is how long before expiry a token is considered stale.
const DefaultRefreshBuffer = 5 * time.Minute

// RefreshDelay returns how long to wait before refreshing a token that
// expires at expiresAtMS, clamped at zero.
func RefreshDelay(expiresAtMS int64, now time.Time, buffer time.Duration) time.Duration {
	delay := time.Duration(expiresAtMS-now.UnixMilli())*time.Millisecond - buffer
	if delay < 0 {
		return 0
	}
	return delay
}

// Scheduler keeps at most one refresh timer armed against the stored session.
type Scheduler struct {
	store  TokenStore
	clock  Clock
	buffer time.Duration
	fire   func()

	mu    sync.Mutex
	timer Timer
	seq   uint64
}

// NewScheduler returns a scheduler that calls fire when the stored token
// enters the refresh buffer.
func NewScheduler(store TokenStore, clock Clock, buffer time.Duration, fire func()) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	return &Scheduler{store: store, clock: clock, buffer: buffer, fire: fire}
}

// Reschedule cancels the armed timer and, if a session is stored, arms a new
// one from its expiry. It reports the delay and whether a timer was armed.
func (s *Scheduler) Reschedule(ctx context.Context) (time.Duration, bool) {
	s.Cancel()

	bundle, err := s.store.Load(ctx)
	if err != nil {
		log.WithField("component", "scheduler").Warnf("load session: %v", err)
		return 0, false
	}
	if bundle == nil {
		return 0, false
	}

	delay := RefreshDelay(bundle.ExpiresAt, s.clock.Now(), s.buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timer = s.clock.AfterFunc(delay, func() { s.onTimer(seq) })
	log.WithField("component", "scheduler").Debugf("refresh armed in %s", delay.Truncate(time.Second))
	return delay, true
}

// Cancel disarms the pending timer. A callback already racing to run becomes a no-op.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) onTimer(seq uint64) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	if s.fire != nil {
		s.fire()
	}
}
