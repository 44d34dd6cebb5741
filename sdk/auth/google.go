package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mcontrol/mission-control/internal/auth/google"
	"github.com/mcontrol/mission-control/internal/browser"
	"github.com/mcontrol/mission-control/internal/config"
	log "github.com/sirupsen/logrus"
)

// GoogleAuthenticator signs in through the Mission Control broker using the
// configured transport: polling, loopback, or dev.
type GoogleAuthenticator struct {
	client  *google.GoogleAuth
	mode    string
	authCfg config.AuthConfig
	open    func(string) error
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

// NewGoogleAuthenticator builds an authenticator from configuration.
func NewGoogleAuthenticator(cfg *config.Config) *GoogleAuthenticator {
	return NewGoogleAuthenticatorWithClient(google.NewGoogleAuth(cfg), cfg.Auth)
}

// NewGoogleAuthenticatorWithClient builds an authenticator around an existing broker client.
func NewGoogleAuthenticatorWithClient(client *google.GoogleAuth, authCfg config.AuthConfig) *GoogleAuthenticator {
	mode := strings.TrimSpace(authCfg.Mode)
	if mode == "" {
		mode = config.AuthModePolling
	}
	return &GoogleAuthenticator{
		client:  client,
		mode:    mode,
		authCfg: authCfg,
		open:    openOrCopy,
	}
}

// WithMode returns a copy that uses another transport.
func (a *GoogleAuthenticator) WithMode(mode string) *GoogleAuthenticator {
	c := *a
	c.mode = mode
	return &c
}

// WithOpener replaces the browser launcher.
func (a *GoogleAuthenticator) WithOpener(open func(string) error) *GoogleAuthenticator {
	c := *a
	c.open = open
	return &c
}

// WithTimeSource replaces the poll sleep and the clock.
func (a *GoogleAuthenticator) WithTimeSource(sleep func(context.Context, time.Duration) error, now func() time.Time) *GoogleAuthenticator {
	c := *a
	c.sleep = sleep
	c.now = now
	return &c
}

// Mode reports the transport.
func (a *GoogleAuthenticator) Mode() string { return a.mode }

// SignIn runs the flow and converts its result into a Bundle that expires
// one token lifetime after issue.
func (a *GoogleAuthenticator) SignIn(ctx context.Context, opts *SignInOptions) (*Bundle, error) {
	if opts == nil {
		opts = &SignInOptions{}
	}
	flowOpts := google.FlowOptions{
		PollInterval: a.authCfg.PollInterval(),
		Timeout:      a.authCfg.SignInTimeout(),
		CallbackPort: a.authCfg.CallbackPort,
		ClientID:     a.authCfg.GoogleClientID,
		LoginHint:    opts.LoginHint,
		NoBrowser:    opts.NoBrowser,
		Prompt:       opts.Prompt,
		OnURL:        opts.OnURL,
		Open:         a.open,
		Sleep:        a.sleep,
		Now:          a.now,
	}
	if opts.OnState != nil {
		onState := opts.OnState
		flowOpts.OnState = func(s google.State) { onState(string(s)) }
	}
	flow := google.NewSignInFlow(a.client, flowOpts)

	var tokens *google.Tokens
	var err error
	switch a.mode {
	case config.AuthModeLoopback:
		tokens, err = flow.RunLoopback(ctx)
	case config.AuthModeDev:
		email := strings.TrimSpace(opts.LoginHint)
		if email == "" {
			email = a.authCfg.DevEmail
		}
		tokens, err = flow.RunDev(ctx, email)
	default:
		tokens, err = flow.RunPolling(ctx)
	}
	if err != nil {
		return nil, signInError(err)
	}
	user := Identity{
		UID:         tokens.User.UID,
		Email:       tokens.User.Email,
		DisplayName: tokens.User.DisplayName,
		AvatarURL:   tokens.User.AvatarURL,
	}
	return NewBundle(tokens.IDToken, tokens.RefreshToken, google.TokenLifetime, user, tokens.IssuedAt), nil
}

// openOrCopy falls back to the clipboard when no browser can be launched.
func openOrCopy(url string) error {
	copied, err := browser.OpenOrCopy(url)
	if copied {
		log.WithField("component", "browser").Info("no browser could be opened; the sign-in URL was copied to the clipboard")
	}
	return err
}

func signInError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, google.ErrTimedOut) {
		return &SignInError{Kind: ErrSignInTimedOut, Err: err}
	}
	var apiErr *google.APIError
	if errors.As(err, &apiErr) {
		return &SignInError{Kind: ErrSignInRejected, StatusCode: apiErr.StatusCode, Detail: apiErr.Detail, Err: err}
	}
	return &SignInError{Kind: ErrSignInRejected, Err: err}
}

// GoogleRefresher runs the refresh grant against the secure token endpoint.
type GoogleRefresher struct {
	client *google.GoogleAuth
}

// NewGoogleRefresher wraps a broker client.
func NewGoogleRefresher(client *google.GoogleAuth) *GoogleRefresher {
	return &GoogleRefresher{client: client}
}

// Refresh exchanges refreshToken. Every failure is a *RefreshError.
func (r *GoogleRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	res, err := r.client.RefreshTokens(ctx, refreshToken)
	if err != nil {
		var apiErr *google.APIError
		if errors.As(err, &apiErr) {
			return nil, &RefreshError{StatusCode: apiErr.StatusCode, Detail: apiErr.Detail, Err: err}
		}
		return nil, &RefreshError{Err: err}
	}
	return &RefreshResult{IDToken: res.IDToken, RefreshToken: res.RefreshToken, ExpiresIn: res.ExpiresIn}, nil
}
