// Package google talks to the Mission Control identity broker and to the
// Google secure token endpoint, and drives the interactive sign-in flows.
package google

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcontrol/mission-control/internal/config"
	"github.com/mcontrol/mission-control/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// StartPath begins an interactive broker session.
	StartPath = "/auth/google/start"
	// PollPath reports the status of a broker session.
	PollPath = "/auth/google/poll"
	// ExchangePath trades a loopback authorization code for tokens.
	ExchangePath = "/auth/google/exchange"
	// DevSignInPath issues tokens for an email without a provider round trip. Emulator only.
	DevSignInPath = "/auth/dev/signin"

	// SecureTokenURL is the production refresh endpoint; the API key is appended as ?key=.
	SecureTokenURL = "https://securetoken.googleapis.com/v1/token"
	emulatorAPIKey = "fake-api-key"

	// TokenLifetime is the fixed lifetime of an ID token issued at sign-in.
	TokenLifetime = time.Hour

	defaultFailureDetail = "Authentication failed"
)

// ErrTimedOut is returned when an interactive sign-in outlives its timeout.
var ErrTimedOut = errors.New("google auth: sign-in timed out")

// APIError describes a failed broker or token endpoint call. Err is set for
// transport and decoding failures, StatusCode and Detail for error responses.
type APIError struct {
	Endpoint   string
	StatusCode int
	Detail     string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("google auth: %s: status %d: %s", e.Endpoint, e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("google auth: %s: status %d", e.Endpoint, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("google auth: %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("google auth: %s: %s", e.Endpoint, e.Detail)
}

func (e *APIError) Unwrap() error { return e.Err }

// User is the identity in broker responses.
type User struct {
	UID         string
	Email       string
	DisplayName string
	AvatarURL   string
}

// Tokens is a completed sign-in.
type Tokens struct {
	IDToken      string
	RefreshToken string
	User         User
	// IssuedAt is when the flow observed the tokens.
	IssuedAt time.Time
}

// Session is a started broker sign-in.
type Session struct {
	ID      string
	AuthURL string
}

// PollStatus is the broker's view of a session.
type PollStatus string

const (
	PollPending  PollStatus = "pending"
	PollComplete PollStatus = "complete"
	PollError    PollStatus = "error"
)

// PollResult is one poll response. Tokens is set when complete, Detail when failed.
type PollResult struct {
	Status PollStatus
	Tokens *Tokens
	Detail string
}

// RefreshedTokens is a refresh grant response. ExpiresIn is in seconds.
type RefreshedTokens struct {
	IDToken      string
	RefreshToken string
	ExpiresIn    int64
}

// GoogleAuth is the HTTP client for the broker and token endpoints.
type GoogleAuth struct {
	httpClient *http.Client
	apiURL     string
	tokenURL   string
}

// NewGoogleAuth builds a client from configuration, honouring proxy-url.
func NewGoogleAuth(cfg *config.Config) *GoogleAuth {
	client := util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 30 * time.Second})
	return NewGoogleAuthWithClient(cfg.APIURL, TokenEndpoint(cfg.Auth), client)
}

// NewGoogleAuthWithClient builds a client against explicit endpoints.
func NewGoogleAuthWithClient(apiURL, tokenURL string, client *http.Client) *GoogleAuth {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GoogleAuth{
		httpClient: client,
		apiURL:     strings.TrimRight(apiURL, "/"),
		tokenURL:   tokenURL,
	}
}

// TokenEndpoint resolves the refresh endpoint: an explicit token-url wins,
// then the auth emulator, then production with the configured API key.
func TokenEndpoint(cfg config.AuthConfig) string {
	if u := strings.TrimSpace(cfg.TokenURL); u != "" {
		return u
	}
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
		return fmt.Sprintf("http://%s/securetoken.googleapis.com/v1/token?key=%s", strings.TrimRight(host, "/"), emulatorAPIKey)
	}
	return SecureTokenURL + "?key=" + url.QueryEscape(cfg.FirebaseAPIKey)
}

// StartSession begins a broker sign-in.
func (g *GoogleAuth) StartSession(ctx context.Context) (*Session, error) {
	body, err := g.call(ctx, http.MethodPost, StartPath, nil, nil)
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:      body.Get("session_id").String(),
		AuthURL: body.Get("auth_url").String(),
	}
	if session.ID == "" || session.AuthURL == "" {
		return nil, &APIError{Endpoint: StartPath, Err: fmt.Errorf("response missing session_id or auth_url")}
	}
	return session, nil
}

// PollSession asks the broker for the status of sessionID.
func (g *GoogleAuth) PollSession(ctx context.Context, sessionID string) (*PollResult, error) {
	query := url.Values{"session_id": {sessionID}}
	body, err := g.call(ctx, http.MethodGet, PollPath, query, nil)
	if err != nil {
		return nil, err
	}
	switch status := PollStatus(body.Get("status").String()); status {
	case PollPending:
		return &PollResult{Status: PollPending}, nil
	case PollComplete:
		tokens, errTokens := parseTokens(body, PollPath)
		if errTokens != nil {
			return nil, errTokens
		}
		return &PollResult{Status: PollComplete, Tokens: tokens}, nil
	case PollError:
		detail := errorDetail(body)
		if detail == "" {
			detail = defaultFailureDetail
		}
		return &PollResult{Status: PollError, Detail: detail}, nil
	default:
		return nil, &APIError{Endpoint: PollPath, Err: fmt.Errorf("unexpected session status %q", status)}
	}
}

// ExchangeCode trades a loopback authorization code for tokens.
func (g *GoogleAuth) ExchangeCode(ctx context.Context, code, redirectURI string) (*Tokens, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "code", code)
	if err == nil {
		payload, err = sjson.SetBytes(payload, "redirect_uri", redirectURI)
	}
	if err != nil {
		return nil, &APIError{Endpoint: ExchangePath, Err: fmt.Errorf("encode request: %w", err)}
	}
	body, err := g.call(ctx, http.MethodPost, ExchangePath, nil, payload)
	if err != nil {
		return nil, err
	}
	return parseTokens(body, ExchangePath)
}

// DevSignIn issues tokens for email through the emulator bypass.
func (g *GoogleAuth) DevSignIn(ctx context.Context, email string) (*Tokens, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "email", email)
	if err != nil {
		return nil, &APIError{Endpoint: DevSignInPath, Err: fmt.Errorf("encode request: %w", err)}
	}
	body, err := g.call(ctx, http.MethodPost, DevSignInPath, nil, payload)
	if err != nil {
		return nil, err
	}
	return parseTokens(body, DevSignInPath)
}

// RefreshTokens runs the refresh-token grant against the token endpoint.
func (g *GoogleAuth) RefreshTokens(ctx context.Context, refreshToken string) (*RefreshedTokens, error) {
	const endpoint = "token"
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &APIError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := g.send(req, endpoint)
	if err != nil {
		return nil, err
	}
	result := &RefreshedTokens{
		IDToken:      body.Get("id_token").String(),
		RefreshToken: body.Get("refresh_token").String(),
		ExpiresIn:    body.Get("expires_in").Int(),
	}
	if result.IDToken == "" || result.ExpiresIn <= 0 {
		return nil, &APIError{Endpoint: endpoint, Err: fmt.Errorf("response missing id_token or expires_in")}
	}
	return result, nil
}

func (g *GoogleAuth) call(ctx context.Context, method, path string, query url.Values, payload []byte) (gjson.Result, error) {
	target := g.apiURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return gjson.Result{}, &APIError{Endpoint: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.send(req, path)
}

func (g *GoogleAuth) send(req *http.Request, endpoint string) (gjson.Result, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, &APIError{Endpoint: endpoint, Err: err}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("google auth: close %s response: %v", endpoint, errClose)
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Detail: errorDetailBytes(raw)}
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("response is not JSON")}
	}
	return gjson.ParseBytes(raw), nil
}

func parseTokens(body gjson.Result, endpoint string) (*Tokens, error) {
	tokens := &Tokens{
		IDToken:      body.Get("id_token").String(),
		RefreshToken: body.Get("refresh_token").String(),
		User:         parseUser(body.Get("user")),
	}
	if tokens.IDToken == "" || tokens.RefreshToken == "" {
		return nil, &APIError{Endpoint: endpoint, Err: fmt.Errorf("response missing tokens")}
	}
	if strings.TrimSpace(tokens.User.UID) == "" {
		return nil, &APIError{Endpoint: endpoint, Err: fmt.Errorf("response missing user id")}
	}
	return tokens, nil
}

func parseUser(v gjson.Result) User {
	return User{
		UID:         v.Get("uid").String(),
		Email:       v.Get("email").String(),
		DisplayName: v.Get("display_name").String(),
		AvatarURL:   v.Get("avatar_url").String(),
	}
}

func errorDetailBytes(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	return errorDetail(gjson.ParseBytes(raw))
}

// errorDetail picks the most specific message from an error body: detail
// (string or validation list), error_description, then error (string or
// {message}).
func errorDetail(body gjson.Result) string {
	if d := body.Get("detail"); d.Exists() {
		if d.IsArray() {
			if msg := d.Get("0.msg").String(); msg != "" {
				return msg
			}
		} else if s := strings.TrimSpace(d.String()); s != "" {
			return s
		}
	}
	if s := strings.TrimSpace(body.Get("error_description").String()); s != "" {
		return s
	}
	if e := body.Get("error"); e.Exists() {
		if e.IsObject() {
			return strings.TrimSpace(e.Get("message").String())
		}
		return strings.TrimSpace(e.String())
	}
	return ""
}
