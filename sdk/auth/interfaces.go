package auth

import (
	"context"
)

// TokenStore persists the single session record.
// Load returns nil, nil when nothing usable is stored, including a corrupt record.
type TokenStore interface {
	Load(ctx context.Context) (*Bundle, error)
	Save(ctx context.Context, bundle *Bundle) error
	Clear(ctx context.Context) error
}

// RefreshResult is the output of one refresh grant. ExpiresIn is the token
// lifetime in seconds.
type RefreshResult struct {
	IDToken      string
	RefreshToken string
	ExpiresIn    int64
}

// Refresher exchanges a refresh token for a new token pair.
// Every failure must satisfy errors.Is(err, ErrRefreshFailed).
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// SignInOptions captures knobs shared by the sign-in strategies.
type SignInOptions struct {
	// LoginHint pre-selects an account, or supplies the email for dev sign-in.
	LoginHint string
	NoBrowser bool
	// Prompt reads a pasted callback URL when the browser cannot reach the loopback listener.
	Prompt func(prompt string) (string, error)
	// OnURL receives the authorization URL before the browser is opened.
	OnURL func(url string)
	// OnState receives every sign-in state transition.
	OnState func(state string)
}

// Authenticator runs an interactive sign-in and returns the issued bundle.
type Authenticator interface {
	Mode() string
	SignIn(ctx context.Context, opts *SignInOptions) (*Bundle, error)
}
