package auth

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type refreshReply struct {
	result *RefreshResult
	err    error
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   []string
	replies []refreshReply
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, refreshToken)
	var reply refreshReply
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	} else {
		reply = refreshReply{err: &RefreshError{Detail: "no scripted reply"}}
	}
	started, gate := f.started, f.gate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return reply.result, reply.err
}

func (f *fakeRefresher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAuthenticator struct {
	signIn func(ctx context.Context, opts *SignInOptions) (*Bundle, error)
}

func (f *fakeAuthenticator) Mode() string { return "fake" }

func (f *fakeAuthenticator) SignIn(ctx context.Context, opts *SignInOptions) (*Bundle, error) {
	return f.signIn(ctx, opts)
}

type harness struct {
	clock     *fakeClock
	store     *FileTokenStore
	refresher *fakeRefresher
	manager   *Manager
}

func newHarness(t *testing.T, authenticator Authenticator) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		store:     NewFileTokenStore(t.TempDir()),
		refresher: &fakeRefresher{},
	}
	h.manager = NewManager(h.store, h.refresher, authenticator, WithClock(h.clock))
	t.Cleanup(h.manager.Close)
	return h
}

func (h *harness) seed(t *testing.T, id string, expiresIn time.Duration) {
	t.Helper()
	if err := h.store.Save(context.Background(), sampleBundle(id, h.clock.Now().Add(expiresIn).UnixMilli())); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) stored(t *testing.T) *Bundle {
	t.Helper()
	b, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestStartWithoutSessionResolvesLoggedOut(t *testing.T) {
	h := newHarness(t, nil)
	if !h.manager.State().IsLoading {
		t.Fatal("expected loading before start")
	}
	h.manager.Start(context.Background())
	st := h.manager.State()
	if st.IsLoading || st.IsAuthenticated || st.User != nil {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(h.clock.Pending()) != 0 {
		t.Fatal("no timer expected without a session")
	}
}

func TestStartWithCorruptSession(t *testing.T) {
	h := newHarness(t, nil)
	if err := os.WriteFile(h.store.Path(), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	h.manager.Start(context.Background())
	if st := h.manager.State(); st.IsLoading || st.IsAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestStartRestoresSessionAndArmsTimer(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", 10*time.Minute)
	h.manager.Start(context.Background())

	st := h.manager.State()
	if st.IsLoading || !st.IsAuthenticated || st.User == nil || st.User.Email != "ada@example.com" {
		t.Fatalf("unexpected state %+v", st)
	}
	if pending := h.clock.Pending(); len(pending) != 1 || pending[0] != 5*time.Minute {
		t.Fatalf("expected a 5m timer, got %v", pending)
	}
	if calls := h.refresher.Calls(); len(calls) != 0 {
		t.Fatalf("fresh token must not be refreshed, got %v", calls)
	}
}

func TestStartRefreshesNearExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", 2*time.Minute)
	h.refresher.replies = []refreshReply{{result: &RefreshResult{IDToken: "id-b", RefreshToken: "rt-b", ExpiresIn: 3600}}}

	h.manager.Start(context.Background())
	if st := h.manager.State(); st.IsLoading || !st.IsAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
	if got := h.stored(t); got.IDToken != "id-b" || got.RefreshToken != "rt-b" {
		t.Fatalf("expected refreshed bundle, got %+v", got)
	}
}

func TestStartRefreshFailureLogsOut(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", time.Minute)
	h.refresher.replies = []refreshReply{{err: &RefreshError{StatusCode: 400}}}

	h.manager.Start(context.Background())
	if st := h.manager.State(); st.IsLoading || st.IsAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
	if h.stored(t) != nil {
		t.Fatal("expected session to be cleared")
	}
}

func TestScheduledRefreshChains(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", 10*time.Minute)
	h.refresher.replies = []refreshReply{
		{result: &RefreshResult{IDToken: "id-b", RefreshToken: "rt-b", ExpiresIn: 3600}},
		{result: &RefreshResult{IDToken: "id-c", ExpiresIn: 1800}},
	}
	h.manager.Start(context.Background())

	h.clock.Advance(5 * time.Minute)
	got := h.stored(t)
	if got.IDToken != "id-b" || got.ExpiresAt != h.clock.Now().Add(time.Hour).UnixMilli() {
		t.Fatalf("unexpected bundle after first refresh %+v", got)
	}
	if pending := h.clock.Pending(); len(pending) != 1 || pending[0] != 55*time.Minute {
		t.Fatalf("expected 55m timer after first refresh, got %v", pending)
	}

	h.clock.Advance(55 * time.Minute)
	got = h.stored(t)
	if got.IDToken != "id-c" || got.RefreshToken != "rt-b" || got.ExpiresAt != h.clock.Now().Add(30*time.Minute).UnixMilli() {
		t.Fatalf("unexpected bundle after second refresh %+v", got)
	}
	if pending := h.clock.Pending(); len(pending) != 1 || pending[0] != 25*time.Minute {
		t.Fatalf("expected 25m timer after second refresh, got %v", pending)
	}
	if calls := h.refresher.Calls(); len(calls) != 2 || calls[0] != "rt-a" || calls[1] != "rt-b" {
		t.Fatalf("unexpected refresh calls %v", calls)
	}
	if got.User.Email != "ada@example.com" {
		t.Fatalf("identity changed: %+v", got.User)
	}
}

func TestScheduledRefreshFailureClearsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", 10*time.Minute)
	h.refresher.replies = []refreshReply{{err: &RefreshError{StatusCode: 401, Detail: "TOKEN_EXPIRED"}}}
	h.manager.Start(context.Background())

	h.clock.Advance(5 * time.Minute)
	if h.stored(t) != nil {
		t.Fatal("expected session to be cleared")
	}
	if st := h.manager.State(); st.IsAuthenticated || st.User != nil {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(h.clock.Pending()) != 0 {
		t.Fatal("no retry timer expected")
	}
}

type saveFailingStore struct {
	*FileTokenStore
	fail atomic.Bool
}

func (s *saveFailingStore) Save(ctx context.Context, bundle *Bundle) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.FileTokenStore.Save(ctx, bundle)
}

func TestScheduledRefreshPersistFailureSignsOut(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &saveFailingStore{FileTokenStore: NewFileTokenStore(t.TempDir())}
	refresher := &fakeRefresher{replies: []refreshReply{
		{result: &RefreshResult{IDToken: "id-b", RefreshToken: "rt-b", ExpiresIn: 3600}},
	}}
	m := NewManager(store, refresher, nil, WithClock(clock))
	t.Cleanup(m.Close)

	if err := store.Save(ctx, sampleBundle("a", clock.Now().Add(10*time.Minute).UnixMilli())); err != nil {
		t.Fatal(err)
	}
	m.Start(ctx)
	store.fail.Store(true)

	clock.Advance(5 * time.Minute)
	if st := m.State(); st.IsAuthenticated || st.User != nil {
		t.Fatalf("unexpected state %+v", st)
	}
	if pending := clock.Pending(); len(pending) != 0 {
		t.Fatalf("no timer expected, got %v", pending)
	}
	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Fatalf("spent session left in the store: %+v %v", got, err)
	}
	if tok, ok := m.ValidAccessToken(ctx); ok || tok != "" {
		t.Fatalf("expected no token, got %q", tok)
	}
	if calls := refresher.Calls(); len(calls) != 1 || calls[0] != "rt-a" {
		t.Fatalf("refresh token reused: %v", calls)
	}
}

// eagerClock runs zero-delay callbacks on their own goroutine, as time.AfterFunc does.
type eagerClock struct {
	*fakeClock
}

type spentTimer struct{}

func (spentTimer) Stop() bool { return false }

func (c eagerClock) AfterFunc(d time.Duration, f func()) Timer {
	if d > 0 {
		return c.fakeClock.AfterFunc(d, f)
	}
	go f()
	return spentTimer{}
}

func TestShortLivedRefreshRefreshesAgain(t *testing.T) {
	ctx := context.Background()
	clock := eagerClock{newFakeClock()}
	store := NewFileTokenStore(t.TempDir())
	refresher := &fakeRefresher{replies: []refreshReply{
		{result: &RefreshResult{IDToken: "id-b", RefreshToken: "rt-b", ExpiresIn: 120}},
		{result: &RefreshResult{IDToken: "id-c", RefreshToken: "rt-c", ExpiresIn: 3600}},
	}}
	m := NewManager(store, refresher, nil, WithClock(clock))
	t.Cleanup(m.Close)

	if err := store.Save(ctx, sampleBundle("a", clock.Now().Add(10*time.Minute).UnixMilli())); err != nil {
		t.Fatal(err)
	}
	m.Start(ctx)
	clock.Advance(5 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.Load(ctx)
		if err != nil {
			t.Fatal(err)
		}
		pending := clock.Pending()
		if got != nil && got.IDToken == "id-c" && len(pending) == 1 && pending[0] == 55*time.Minute {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second refresh never ran: stored %+v, pending %v, calls %v", got, pending, refresher.Calls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if calls := refresher.Calls(); len(calls) != 2 || calls[0] != "rt-a" || calls[1] != "rt-b" {
		t.Fatalf("unexpected refresh calls %v", calls)
	}
	if st := m.State(); !st.IsAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestSignOutIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", time.Hour)
	h.manager.Start(context.Background())

	for i := 0; i < 2; i++ {
		h.manager.SignOut()
		if st := h.manager.State(); st.IsAuthenticated || st.IsLoading {
			t.Fatalf("sign-out %d: unexpected state %+v", i, st)
		}
		if h.stored(t) != nil {
			t.Fatalf("sign-out %d: store not cleared", i)
		}
	}
	if len(h.clock.Pending()) != 0 {
		t.Fatal("timer should be cancelled")
	}
}

func TestRefreshAfterSignOutIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", 10*time.Minute)
	h.refresher.replies = []refreshReply{{result: &RefreshResult{IDToken: "id-b", RefreshToken: "rt-b", ExpiresIn: 3600}}}
	h.refresher.started = make(chan struct{}, 1)
	h.refresher.gate = make(chan struct{})
	h.manager.Start(context.Background())

	advanced := make(chan struct{})
	go func() {
		defer close(advanced)
		h.clock.Advance(5 * time.Minute)
	}()
	<-h.refresher.started
	h.manager.SignOut()
	close(h.refresher.gate)
	<-advanced

	if got := h.stored(t); got != nil {
		t.Fatalf("stale refresh resurrected the session: %+v", got)
	}
	if st := h.manager.State(); st.IsAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(h.clock.Pending()) != 0 {
		t.Fatal("no timer expected after sign-out")
	}
}

func TestValidAccessToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	if tok, ok := h.manager.ValidAccessToken(ctx); ok || tok != "" {
		t.Fatalf("expected no token, got %q", tok)
	}

	h.seed(t, "a", time.Hour)
	if tok, ok := h.manager.ValidAccessToken(ctx); !ok || tok != "id-a" {
		t.Fatalf("expected stored token, got %q %v", tok, ok)
	}

	h.seed(t, "a", 4*time.Minute)
	h.refresher.replies = []refreshReply{{result: &RefreshResult{IDToken: "id-b", ExpiresIn: 3600}}}
	if tok, ok := h.manager.ValidAccessToken(ctx); !ok || tok != "id-b" {
		t.Fatalf("expected refreshed token, got %q %v", tok, ok)
	}

	h.seed(t, "a", 4*time.Minute)
	h.refresher.replies = []refreshReply{{err: &RefreshError{StatusCode: 400}}}
	if tok, ok := h.manager.ValidAccessToken(ctx); ok || tok != "" {
		t.Fatalf("expected failure, got %q", tok)
	}
	if h.stored(t) != nil {
		t.Fatal("failed refresh must clear the session")
	}
}

func TestConcurrentRefreshesShareOneGrant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "a", time.Minute)
	h.refresher.replies = []refreshReply{{result: &RefreshResult{IDToken: "id-b", RefreshToken: "rt-b", ExpiresIn: 3600}}}
	h.refresher.started = make(chan struct{}, 4)
	h.refresher.gate = make(chan struct{})

	var wg sync.WaitGroup
	tokens := make([]string, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tokens[0], _ = h.manager.ValidAccessToken(ctx)
	}()
	<-h.refresher.started
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = h.manager.ValidAccessToken(ctx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(h.refresher.gate)
	wg.Wait()

	if calls := h.refresher.Calls(); len(calls) != 1 {
		t.Fatalf("expected a single refresh grant, got %v", calls)
	}
	for i, tok := range tokens {
		if tok != "id-b" {
			t.Fatalf("caller %d got %q", i, tok)
		}
	}
}

func TestSignInStoresSessionAndArmsTimer(t *testing.T) {
	var h *harness
	auth := &fakeAuthenticator{signIn: func(ctx context.Context, opts *SignInOptions) (*Bundle, error) {
		if opts.LoginHint != "ada@example.com" {
			t.Errorf("hint not forwarded: %q", opts.LoginHint)
		}
		return NewBundle("id-s", "rt-s", time.Hour, Identity{UID: "u-1", Email: "ada@example.com"}, h.clock.Now()), nil
	}}
	h = newHarness(t, auth)
	h.manager.Start(context.Background())

	updates, cancel := h.manager.Subscribe()
	defer cancel()
	<-updates

	if err := h.manager.SignIn(context.Background(), &SignInOptions{LoginHint: "ada@example.com"}); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	st := <-updates
	if !st.IsAuthenticated || st.User.Email != "ada@example.com" {
		t.Fatalf("unexpected published state %+v", st)
	}
	if got := h.stored(t); got == nil || got.IDToken != "id-s" {
		t.Fatalf("session not stored: %+v", got)
	}
	if pending := h.clock.Pending(); len(pending) != 1 || pending[0] != 55*time.Minute {
		t.Fatalf("expected 55m timer, got %v", pending)
	}
}

func TestSignInFailureSurfacesError(t *testing.T) {
	auth := &fakeAuthenticator{signIn: func(ctx context.Context, opts *SignInOptions) (*Bundle, error) {
		return nil, &SignInError{Kind: ErrSignInTimedOut}
	}}
	h := newHarness(t, auth)
	h.manager.Start(context.Background())

	err := h.manager.SignIn(context.Background(), nil)
	if !errors.Is(err, ErrSignInTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if st := h.manager.State(); st.IsAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
	if h.stored(t) != nil {
		t.Fatal("nothing should be stored")
	}
}

func blockingAuthenticator(started chan<- struct{}) *fakeAuthenticator {
	return &fakeAuthenticator{signIn: func(ctx context.Context, opts *SignInOptions) (*Bundle, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func TestNewerSignInSupersedesOlder(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingAuthenticator(started))
	h.manager.Start(context.Background())

	first := make(chan error, 1)
	go func() { first <- h.manager.SignIn(context.Background(), nil) }()
	<-started

	second := &fakeAuthenticator{signIn: func(ctx context.Context, opts *SignInOptions) (*Bundle, error) {
		return NewBundle("id-2", "rt-2", time.Hour, Identity{UID: "u", Email: "b@example.com"}, h.clock.Now()), nil
	}}
	if err := h.manager.SignInWith(context.Background(), second, nil); err != nil {
		t.Fatalf("second sign-in: %v", err)
	}
	if err := <-first; !errors.Is(err, ErrSignInSuperseded) {
		t.Fatalf("expected first sign-in to be superseded, got %v", err)
	}
	if got := h.stored(t); got == nil || got.IDToken != "id-2" {
		t.Fatalf("expected second session, got %+v", got)
	}
}

func TestSignOutAbandonsSignIn(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingAuthenticator(started))
	h.manager.Start(context.Background())

	result := make(chan error, 1)
	go func() { result <- h.manager.SignIn(context.Background(), nil) }()
	<-started
	h.manager.SignOut()

	select {
	case err := <-result:
		if !errors.Is(err, ErrSignInSuperseded) {
			t.Fatalf("expected superseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sign-in was not abandoned")
	}
}

func TestResyncPicksUpExternalChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "a", time.Hour)
	h.manager.Start(ctx)

	if err := os.Remove(h.store.Path()); err != nil {
		t.Fatal(err)
	}
	h.manager.Resync(ctx)
	if st := h.manager.State(); st.IsAuthenticated {
		t.Fatalf("expected logged out after external removal, got %+v", st)
	}
	if len(h.clock.Pending()) != 0 {
		t.Fatal("timer should be cancelled")
	}

	h.seed(t, "b", time.Hour)
	h.manager.Resync(ctx)
	if st := h.manager.State(); !st.IsAuthenticated {
		t.Fatalf("expected session picked up, got %+v", st)
	}
	if len(h.clock.Pending()) != 1 {
		t.Fatal("expected a timer for the picked up session")
	}
}

func TestClosedManagerRefusesWork(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a", time.Hour)
	h.manager.Close()
	if _, ok := h.manager.ValidAccessToken(context.Background()); ok {
		t.Fatal("closed manager returned a token")
	}
	if err := h.manager.SignIn(context.Background(), nil); err == nil {
		t.Fatal("expected an error from a closed manager")
	}
	h.manager.SignOut()
	h.manager.Close()
}
