package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds a single refresh grant.
const DefaultRefreshTimeout = 30 * time.Second

// State is the observable authentication state.
type State struct {
	IsLoading       bool
	IsAuthenticated bool
	User            *Identity
}

func (s State) clone() State {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the wall clock.
func WithClock(clock Clock) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithRefreshBuffer sets how long before expiry a token is refreshed.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// WithRefreshTimeout bounds each refresh grant.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// Manager owns the session lifecycle. Every mutation of the stored session and
// of the observable state runs on one goroutine; foreground calls and the
// refresh timer submit work to it and perform network calls outside of it.
type Manager struct {
	store          TokenStore
	refresher      Refresher
	authenticator  Authenticator
	clock          Clock
	buffer         time.Duration
	refreshTimeout time.Duration
	scheduler      *Scheduler

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once
	refreshes singleflight.Group

	// Owned by the run loop.
	state        State
	generation   uint64
	signInSeq    uint64
	signInCancel context.CancelCauseFunc

	snapshot atomic.Pointer[State]
	subMu    sync.Mutex
	subs     map[uint64]chan State
	nextSub  uint64
}

// NewManager starts a session manager. The state reports IsLoading until Start resolves.
func NewManager(store TokenStore, refresher Refresher, authenticator Authenticator, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		refresher:      refresher,
		authenticator:  authenticator,
		clock:          SystemClock(),
		buffer:         DefaultRefreshBuffer,
		refreshTimeout: DefaultRefreshTimeout,
		ops:            make(chan func()),
		done:           make(chan struct{}),
		subs:           make(map[uint64]chan State),
		state:          State{IsLoading: true},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.scheduler = NewScheduler(store, m.clock, m.buffer, m.onScheduledRefresh)
	initial := m.state
	m.snapshot.Store(&initial)
	go m.run()
	return m
}

func (m *Manager) run() {
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.done:
			return
		}
	}
}

// do runs fn on the run loop and waits for it. It reports false once the manager is closed.
func (m *Manager) do(fn func()) bool {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.ops <- op:
	case <-m.done:
		return false
	}
	<-finished
	return true
}

// State returns the current state.
func (m *Manager) State() State {
	return m.snapshot.Load().clone()
}

// Subscribe returns a channel that always holds the latest state. Slow readers
// miss intermediate states, never the final one. Call cancel to unsubscribe.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshot.Load().clone()
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Start loads the stored session, refreshes it when it is near expiry, arms
// the refresh timer and clears IsLoading.
func (m *Manager) Start(ctx context.Context) {
	var stored *Bundle
	if !m.do(func() { stored = m.loadLocked(ctx) }) {
		return
	}
	if stored != nil {
		m.ValidAccessToken(ctx)
	}
	m.do(func() {
		current := m.loadLocked(ctx)
		if current == nil {
			m.scheduler.Cancel()
			m.setState(State{})
			return
		}
		m.setAuthenticated(current.User, false)
		m.scheduler.Reschedule(ctx)
		log.WithField("component", "session").Infof("restored session for %s", current.User.Email)
	})
}

// SignIn runs the configured authenticator.
func (m *Manager) SignIn(ctx context.Context, opts *SignInOptions) error {
	return m.SignInWith(ctx, m.authenticator, opts)
}

// SignInWith runs authenticator and, on success, stores the session and arms
// the refresh timer. A newer sign-in or a sign-out makes it return
// ErrSignInSuperseded without touching the stored session.
func (m *Manager) SignInWith(ctx context.Context, authenticator Authenticator, opts *SignInOptions) error {
	if authenticator == nil {
		return fmt.Errorf("auth: no authenticator configured")
	}
	flowCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var seq uint64
	if !m.do(func() {
		if m.signInCancel != nil {
			m.signInCancel(ErrSignInSuperseded)
		}
		m.signInSeq++
		seq = m.signInSeq
		m.signInCancel = cancel
	}) {
		return ErrManagerClosed
	}
	defer m.do(func() {
		if m.signInSeq == seq {
			m.signInCancel = nil
		}
	})

	entry := log.WithFields(log.Fields{"component": "session", "mode": authenticator.Mode()})
	bundle, err := authenticator.SignIn(flowCtx, opts)
	if cause := context.Cause(flowCtx); errors.Is(cause, ErrSignInSuperseded) || errors.Is(cause, ErrManagerClosed) {
		return cause
	}
	if err != nil {
		entry.Warnf("sign-in failed: %v", err)
		return err
	}
	if errValidate := bundle.Validate(); errValidate != nil {
		return &SignInError{Kind: ErrSignInRejected, Detail: "incomplete session returned", Err: errValidate}
	}

	persistCtx := context.WithoutCancel(ctx)
	var commitErr error
	if !m.do(func() {
		if m.signInSeq != seq || flowCtx.Err() != nil {
			commitErr = ErrSignInSuperseded
			return
		}
		if errSave := m.store.Save(persistCtx, bundle); errSave != nil {
			commitErr = fmt.Errorf("auth: persist session: %w", errSave)
			return
		}
		m.generation++
		m.setAuthenticated(bundle.User, false)
		m.scheduler.Reschedule(persistCtx)
	}) {
		return ErrManagerClosed
	}
	if commitErr == nil {
		entry.Infof("signed in as %s", bundle.User.Email)
	}
	return commitErr
}

// SignOut clears the stored session, disarms the refresh timer and abandons
// any sign-in in progress. It is safe to call repeatedly.
func (m *Manager) SignOut() {
	m.do(func() {
		if m.signInCancel != nil {
			m.signInCancel(ErrSignInSuperseded)
			m.signInCancel = nil
		}
		was := m.state.IsAuthenticated
		m.clearLocked(false)
		if was {
			log.WithField("component", "session").Info("signed out")
		}
	})
}

// ValidAccessToken returns a bearer token that stays valid past the refresh
// buffer, refreshing inline when needed. A failed refresh ends the session and
// reports false.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, bool) {
	var bundle *Bundle
	if !m.do(func() { bundle = m.loadLocked(ctx) }) {
		return "", false
	}
	if bundle == nil {
		return "", false
	}
	if !bundle.ExpiresWithin(m.clock.Now(), m.buffer) {
		return bundle.IDToken, true
	}
	fresh, err := m.refresh(ctx)
	if err != nil || fresh == nil {
		if err != nil && !errors.Is(err, errNoSession) {
			log.WithField("component", "session").Debugf("no valid token: %v", err)
		}
		return "", false
	}
	return fresh.IDToken, true
}

// Current returns a copy of the stored session, or nil.
func (m *Manager) Current(ctx context.Context) *Bundle {
	var bundle *Bundle
	m.do(func() { bundle = m.loadLocked(ctx) })
	return bundle
}

// Resync reconciles the state with the store after it was changed by another process.
func (m *Manager) Resync(ctx context.Context) {
	m.do(func() {
		if m.state.IsLoading {
			return
		}
		bundle := m.loadLocked(ctx)
		if bundle == nil {
			if m.state.IsAuthenticated {
				m.generation++
				m.scheduler.Cancel()
				m.setState(State{})
				log.WithField("component", "session").Info("session ended by another process")
			}
			return
		}
		if !m.state.IsAuthenticated || m.state.User == nil || *m.state.User != bundle.User {
			m.generation++
			m.setAuthenticated(bundle.User, false)
			log.WithField("component", "session").Infof("session for %s picked up from store", bundle.User.Email)
		}
		m.scheduler.Reschedule(ctx)
	})
}

// Close stops the run loop and the refresh timer. The stored session is kept.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.do(func() {
			if m.signInCancel != nil {
				m.signInCancel(ErrManagerClosed)
				m.signInCancel = nil
			}
		})
		m.scheduler.Cancel()
		close(m.done)

		m.subMu.Lock()
		for id, ch := range m.subs {
			delete(m.subs, id)
			close(ch)
		}
		m.subMu.Unlock()
	})
}

func (m *Manager) onScheduledRefresh() {
	if _, err := m.refresh(context.Background()); err != nil && !errors.Is(err, errNoSession) && !errors.Is(err, ErrManagerClosed) {
		log.WithField("component", "session").Debugf("scheduled refresh: %v", err)
	}
}

// refreshOutcome is the value shared by every caller joined on one refresh.
// generation is set when the result rotated the stored session.
type refreshOutcome struct {
	bundle     *Bundle
	generation uint64
	rotated    bool
}

// refresh joins the in-flight refresh or starts one, so the scheduler and
// inline callers never spend the same refresh token twice. The timer is
// re-armed only after the shared call has finished, so a zero delay starts a
// new refresh instead of joining the one that produced it.
func (m *Manager) refresh(ctx context.Context) (*Bundle, error) {
	ch := m.refreshes.DoChan("refresh", func() (interface{}, error) {
		return m.refreshOnce()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		outcome, _ := res.Val.(refreshOutcome)
		m.rearm(outcome)
		return outcome.bundle.Clone(), nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.Err == nil {
				outcome, _ := res.Val.(refreshOutcome)
				m.rearm(outcome)
			}
		}()
		return nil, ctx.Err()
	}
}

func (m *Manager) rearm(outcome refreshOutcome) {
	if !outcome.rotated {
		return
	}
	m.do(func() {
		if m.generation == outcome.generation && m.state.IsAuthenticated {
			m.scheduler.Reschedule(context.Background())
		}
	})
}

func (m *Manager) refreshOnce() (refreshOutcome, error) {
	var generation uint64
	var spent *Bundle
	if !m.do(func() {
		generation = m.generation
		spent = m.loadLocked(context.Background())
	}) {
		return refreshOutcome{}, ErrManagerClosed
	}
	if spent == nil {
		return refreshOutcome{}, errNoSession
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	result, err := m.refresher.Refresh(ctx, spent.RefreshToken)
	cancel()
	if err == nil && (result == nil || result.IDToken == "" || result.ExpiresIn <= 0) {
		err = &RefreshError{Detail: "incomplete token response"}
	}

	entry := log.WithField("component", "session")
	var outcome refreshOutcome
	var commitErr error
	if !m.do(func() {
		latest := m.loadLocked(context.Background())
		if m.generation != generation || latest == nil || latest.RefreshToken != spent.RefreshToken {
			entry.Debug("discarding refresh result for a replaced session")
			if latest != nil && !latest.ExpiresWithin(m.clock.Now(), m.buffer) {
				outcome.bundle = latest
			} else {
				commitErr = errNoSession
			}
			return
		}
		if err != nil {
			entry.WithField("error", err).Warn("session refresh failed, signing out")
			commitErr = err
			m.clearLocked(m.state.IsLoading)
			return
		}
		next := latest.Refreshed(result, m.clock.Now())
		if errSave := m.store.Save(context.Background(), next); errSave != nil {
			// The grant may have rotated the refresh token, so the stored one
			// can no longer be trusted.
			entry.WithField("error", errSave).Warn("persist refreshed session failed, signing out")
			commitErr = fmt.Errorf("auth: persist refreshed session: %w", errSave)
			m.clearLocked(m.state.IsLoading)
			return
		}
		outcome = refreshOutcome{bundle: next, generation: m.generation, rotated: true}
		m.setAuthenticated(next.User, m.state.IsLoading)
	}) {
		return refreshOutcome{}, ErrManagerClosed
	}
	return outcome, commitErr
}

func (m *Manager) loadLocked(ctx context.Context) *Bundle {
	bundle, err := m.store.Load(ctx)
	if err != nil {
		log.WithField("component", "session").Warnf("load session: %v", err)
		return nil
	}
	return bundle
}

func (m *Manager) clearLocked(loading bool) {
	m.generation++
	m.scheduler.Cancel()
	if err := m.store.Clear(context.Background()); err != nil {
		log.WithField("component", "session").Warnf("clear session: %v", err)
	}
	m.setState(State{IsLoading: loading})
}

func (m *Manager) setAuthenticated(user Identity, loading bool) {
	m.setState(State{IsLoading: loading, IsAuthenticated: true, User: &user})
}

func (m *Manager) setState(st State) {
	m.state = st
	snap := st.clone()
	m.snapshot.Store(&snap)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st.clone():
		default:
		}
	}
}
