package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecordKey names the single persisted session record in every backend.
const RecordKey = "mcontrol_auth"

// Identity is the signed-in principal. It is informational only.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Label returns the display name, falling back to the email address.
func (i Identity) Label() string {
	if name := strings.TrimSpace(i.DisplayName); name != "" {
		return name
	}
	return i.Email
}

// Bundle is the persisted credential set: the short-lived ID token used as the
// bearer credential, the refresh token, the absolute expiry in milliseconds
// since the epoch, and the identity it was issued to.
type Bundle struct {
	IDToken      string   `json:"idToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    int64    `json:"expiresAt"`
	User         Identity `json:"user"`
}

// NewBundle assembles a bundle for tokens issued at now with the given lifetime.
func NewBundle(idToken, refreshToken string, lifetime time.Duration, user Identity, now time.Time) *Bundle {
	return &Bundle{
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(lifetime).UnixMilli(),
		User:         user,
	}
}

// Clone returns an independent copy.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// Expiry returns ExpiresAt as a time.
func (b *Bundle) Expiry() time.Time {
	return time.UnixMilli(b.ExpiresAt)
}

// ExpiresWithin reports whether the token expires less than d after now.
func (b *Bundle) ExpiresWithin(now time.Time, d time.Duration) bool {
	return b.ExpiresAt-now.UnixMilli() <= d.Milliseconds()
}

// Refreshed merges a refresh result into a copy of b. The identity is kept,
// the refresh token is replaced only when the provider rotated it, and the
// expiry is recomputed from now.
func (b *Bundle) Refreshed(result *RefreshResult, now time.Time) *Bundle {
	next := b.Clone()
	next.IDToken = result.IDToken
	if result.RefreshToken != "" {
		next.RefreshToken = result.RefreshToken
	}
	next.ExpiresAt = now.UnixMilli() + result.ExpiresIn*1000
	return next
}

// Validate rejects partial bundles.
func (b *Bundle) Validate() error {
	switch {
	case b == nil:
		return fmt.Errorf("bundle is nil")
	case strings.TrimSpace(b.IDToken) == "":
		return fmt.Errorf("missing id token")
	case strings.TrimSpace(b.RefreshToken) == "":
		return fmt.Errorf("missing refresh token")
	case b.ExpiresAt <= 0:
		return fmt.Errorf("missing expiry")
	case strings.TrimSpace(b.User.UID) == "":
		return fmt.Errorf("missing user id")
	}
	return nil
}

// EncodeBundle renders the stored layout.
func EncodeBundle(b *Bundle) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("auth: encode session: %w", err)
	}
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("auth: encode session: %w", err)
	}
	return raw, nil
}

// DecodeBundle parses the stored layout. Anything unparsable or partial yields
// an error wrapping ErrStorageCorrupt.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	return &b, nil
}
