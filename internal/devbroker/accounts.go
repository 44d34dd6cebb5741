package devbroker

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTokenLifetime = time.Hour

type account struct {
	UID         string
	Email       string
	DisplayName string
	AvatarURL   string
}

type grant struct {
	UID       string
	ExpiresAt time.Time
}

// accounts issues and verifies emulator tokens. Nothing here is a real
// credential; ID tokens are opaque random strings.
type accounts struct {
	mu       sync.Mutex
	lifetime time.Duration
	now      func() time.Time
	byEmail  map[string]account
	byUID    map[string]account
	idTokens map[string]grant
	refresh  map[string]string
}

func newAccounts(lifetime time.Duration, now func() time.Time) *accounts {
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	if now == nil {
		now = time.Now
	}
	return &accounts{
		lifetime: lifetime,
		now:      now,
		byEmail:  make(map[string]account),
		byUID:    make(map[string]account),
		idTokens: make(map[string]grant),
		refresh:  make(map[string]string),
	}
}

// Upsert returns the account for email, creating it on first use. An empty
// display name defaults to the local part of the address.
func (a *accounts) Upsert(email, displayName string) account {
	email = strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.byEmail[email]; ok {
		return existing
	}
	acc := account{
		UID:         strings.ReplaceAll(uuid.NewString(), "-", "")[:28],
		Email:       email,
		DisplayName: displayName,
	}
	a.byEmail[email] = acc
	a.byUID[acc.UID] = acc
	return acc
}

// Issue mints a fresh ID token and refresh token for acc.
func (a *accounts) Issue(acc account) *issued {
	a.mu.Lock()
	defer a.mu.Unlock()
	refreshToken := "dev-rt-" + uuid.NewString()
	a.refresh[refreshToken] = acc.UID
	return a.mintLocked(acc, refreshToken)
}

// Refresh exchanges a refresh token for a new ID token. The refresh token is
// kept, as the production endpoint does.
func (a *accounts) Refresh(refreshToken string) (*issued, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	uid, ok := a.refresh[refreshToken]
	if !ok {
		return nil, false
	}
	acc, ok := a.byUID[uid]
	if !ok {
		return nil, false
	}
	return a.mintLocked(acc, refreshToken), true
}

// Revoke forgets every token issued to uid.
func (a *accounts) Revoke(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for token, g := range a.idTokens {
		if g.UID == uid {
			delete(a.idTokens, token)
		}
	}
	for token, owner := range a.refresh {
		if owner == uid {
			delete(a.refresh, token)
		}
	}
}

// Verify resolves an unexpired ID token.
func (a *accounts) Verify(idToken string) (account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.idTokens[idToken]
	if !ok || !a.now().Before(g.ExpiresAt) {
		return account{}, false
	}
	acc, ok := a.byUID[g.UID]
	return acc, ok
}

// Lookup finds an account by email.
func (a *accounts) Lookup(email string) (account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.byEmail[strings.ToLower(strings.TrimSpace(email))]
	return acc, ok
}

func (a *accounts) mintLocked(acc account, refreshToken string) *issued {
	idToken := "dev-id-" + uuid.NewString()
	a.idTokens[idToken] = grant{UID: acc.UID, ExpiresAt: a.now().Add(a.lifetime)}
	return &issued{
		IDToken:      idToken,
		RefreshToken: refreshToken,
		User:         acc,
		ExpiresIn:    int64(a.lifetime / time.Second),
	}
}
