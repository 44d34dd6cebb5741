package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcontrol/mission-control/internal/misc"
	"github.com/mcontrol/mission-control/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

// State is a step of the interactive sign-in.
type State string

const (
	StateIdle       State = "idle"
	StateStarted    State = "started"
	StateAwaiting   State = "awaiting_completion"
	StateExchanging State = "exchanging"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

const (
	// DefaultPollInterval is the delay between broker polls.
	DefaultPollInterval = 1500 * time.Millisecond
	// DefaultTimeout bounds a sign-in from the start of the wait.
	DefaultTimeout = 5 * time.Minute
)

var loopbackScopes = []string{"openid", "email", "profile"}

// FlowOptions configures a SignInFlow. Zero values take defaults.
type FlowOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallbackPort int
	// ClientID is the OAuth client for the loopback authorization URL.
	ClientID  string
	LoginHint string
	NoBrowser bool

	// Prompt reads a pasted callback URL during a loopback sign-in.
	Prompt func(prompt string) (string, error)
	// OnURL receives the authorization URL. When nil the URL is printed.
	OnURL func(url string)
	// OnState receives every transition.
	OnState func(State)

	// Open launches the browser.
	Open func(url string) error
	// Sleep waits between polls and must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// SignInFlow runs one interactive sign-in as an explicit state machine.
// A flow is single use.
type SignInFlow struct {
	auth  *GoogleAuth
	opts  FlowOptions
	state State
}

// NewSignInFlow returns a flow in the idle state.
func NewSignInFlow(auth *GoogleAuth, opts FlowOptions) *SignInFlow {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SignInFlow{auth: auth, opts: opts, state: StateIdle}
}

// State returns the current step.
func (f *SignInFlow) State() State { return f.state }

// RunPolling starts a broker session, opens its authorization URL, and polls
// until the broker reports completion or failure, or the timeout elapses.
// No poll is sent once the timeout has been observed.
func (f *SignInFlow) RunPolling(ctx context.Context) (*Tokens, error) {
	session, err := f.auth.StartSession(ctx)
	if err != nil {
		return nil, f.fail(err)
	}
	f.transition(StateStarted)
	f.present(session.AuthURL)
	f.transition(StateAwaiting)

	entry := log.WithFields(log.Fields{"component": "signin", "mode": "polling"})
	started := f.opts.Now()
	for attempt := 1; ; attempt++ {
		if f.opts.Now().Sub(started) > f.opts.Timeout {
			return nil, f.timeout()
		}
		result, errPoll := f.auth.PollSession(ctx, session.ID)
		if errPoll != nil {
			return nil, f.fail(errPoll)
		}
		switch result.Status {
		case PollComplete:
			f.transition(StateExchanging)
			return f.complete(result.Tokens), nil
		case PollError:
			return nil, f.fail(&APIError{Endpoint: PollPath, Detail: result.Detail})
		}
		entry.WithField("attempt", attempt).Debug("sign-in pending")
		if errSleep := f.opts.Sleep(ctx, f.opts.PollInterval); errSleep != nil {
			return nil, f.fail(errSleep)
		}
	}
}

// RunLoopback receives the provider redirect on a local listener and
// exchanges the authorization code through the broker.
func (f *SignInFlow) RunLoopback(ctx context.Context) (*Tokens, error) {
	if strings.TrimSpace(f.opts.ClientID) == "" {
		return nil, f.fail(fmt.Errorf("google auth: loopback sign-in requires a client id"))
	}
	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, f.fail(err)
	}

	server := NewOAuthServer(f.opts.CallbackPort)
	if err = server.Start(); err != nil {
		return nil, f.fail(err)
	}
	defer func() {
		if errStop := server.Stop(context.Background()); errStop != nil {
			log.WithField("component", "signin").Warnf("stop callback listener: %v", errStop)
		}
	}()
	deadline := time.NewTimer(f.opts.Timeout)
	defer deadline.Stop()

	authURL := f.AuthCodeURL(server.RedirectURI(), state)
	f.transition(StateStarted)
	opened := f.present(authURL)
	if !opened && f.opts.OnURL == nil {
		util.PrintSSHTunnelInstructions(server.Port())
	}
	f.transition(StateAwaiting)

	manual := make(chan *misc.OAuthCallback, 1)
	manualErr := make(chan error, 1)
	if f.opts.Prompt != nil && !opened {
		go func() {
			input, errPrompt := f.opts.Prompt("Paste the URL your browser was redirected to (or press Enter to keep waiting): ")
			if errPrompt != nil {
				manualErr <- errPrompt
				return
			}
			cb, errParse := misc.ParseOAuthCallback(input)
			if errParse != nil {
				manualErr <- errParse
				return
			}
			if cb != nil {
				manual <- cb
			}
		}()
	}

	var cb *misc.OAuthCallback
	select {
	case cb = <-server.Results():
	case cb = <-manual:
	case err = <-manualErr:
		return nil, f.fail(&APIError{Endpoint: CallbackPath, Detail: "invalid callback URL", Err: err})
	case err = <-server.Errors():
		return nil, f.fail(err)
	case <-deadline.C:
		return nil, f.timeout()
	case <-ctx.Done():
		return nil, f.fail(ctx.Err())
	}

	if cb.Failed() {
		return nil, f.fail(&APIError{Endpoint: CallbackPath, Detail: cb.Message()})
	}
	if cb.State != state {
		return nil, f.fail(&APIError{Endpoint: CallbackPath, Detail: "state mismatch, possible CSRF attempt"})
	}

	f.transition(StateExchanging)
	tokens, err := f.auth.ExchangeCode(ctx, cb.Code, server.RedirectURI())
	if err != nil {
		return nil, f.fail(err)
	}
	return f.complete(tokens), nil
}

// RunDev signs in through the emulator bypass.
func (f *SignInFlow) RunDev(ctx context.Context, email string) (*Tokens, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, f.fail(&APIError{Endpoint: DevSignInPath, Detail: "email is required"})
	}
	f.transition(StateStarted)
	f.transition(StateExchanging)
	tokens, err := f.auth.DevSignIn(ctx, email)
	if err != nil {
		return nil, f.fail(err)
	}
	return f.complete(tokens), nil
}

// AuthCodeURL builds the Google authorization URL for a loopback redirect.
func (f *SignInFlow) AuthCodeURL(redirectURI, state string) string {
	conf := &oauth2.Config{
		ClientID:    f.opts.ClientID,
		Endpoint:    googleoauth.Endpoint,
		RedirectURL: redirectURI,
		Scopes:      loopbackScopes,
	}
	authOpts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	if hint := strings.TrimSpace(f.opts.LoginHint); hint != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("login_hint", hint))
	}
	return conf.AuthCodeURL(state, authOpts...)
}

// present hands the URL to the caller and opens the browser. It reports
// whether the browser was launched. Failing to open it is not fatal.
func (f *SignInFlow) present(authURL string) bool {
	if f.opts.OnURL != nil {
		f.opts.OnURL(authURL)
	} else {
		fmt.Printf("Visit the following URL to sign in:\n%s\n", authURL)
	}
	if f.opts.NoBrowser || f.opts.Open == nil {
		return false
	}
	if err := f.opts.Open(authURL); err != nil {
		log.WithField("component", "signin").Warnf("open browser: %v", err)
		return false
	}
	return true
}

func (f *SignInFlow) complete(tokens *Tokens) *Tokens {
	out := *tokens
	out.IssuedAt = f.opts.Now()
	f.transition(StateComplete)
	return &out
}

func (f *SignInFlow) fail(err error) error {
	f.transition(StateFailed)
	return err
}

func (f *SignInFlow) timeout() error {
	f.transition(StateTimedOut)
	return ErrTimedOut
}

func (f *SignInFlow) transition(next State) {
	log.WithFields(log.Fields{"component": "signin", "state": string(next)}).Debugf("%s -> %s", f.state, next)
	f.state = next
	if f.opts.OnState != nil {
		f.opts.OnState(next)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTimeout reports whether err ended a flow by timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimedOut) }
