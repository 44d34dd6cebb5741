// Package api is the Mission Control API client used by the CLI and the
// terminal shell. Every request carries the session's current ID token.
package api

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

	"github.com/google/uuid"
	"github.com/mcontrol/mission-control/internal/buildinfo"
	"github.com/mcontrol/mission-control/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
)

// ErrUnauthorized is returned for 401 responses and for requests made while
// no valid token is available.
var ErrUnauthorized = errors.New("api: not signed in")

// TokenSource supplies the bearer token for a request.
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (string, bool)
}

// Error is a non-2xx API response.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Is makes 401 responses match ErrUnauthorized.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Client talks to the Mission Control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL (including the /api prefix). tokens may
// be nil for unauthenticated use such as health checks.
func NewClient(baseURL, proxyURL string, tokens TokenSource) *Client {
	httpClient := util.NewHTTPClient(proxyURL, defaultTimeout)
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient.Transport = &bearerTransport{base: base, tokens: tokens}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// NewClientWithHTTP wraps an existing client, for tests.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, tokens TokenSource) *Client {
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *httpClient
	wrapped.Transport = &bearerTransport{base: base, tokens: tokens}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &wrapped}
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// bearerTransport attaches the session token, a request id, and decodes
// compressed responses. A 401 is returned to the caller untouched; the token
// is never refreshed and retried here.
type bearerTransport struct {
	base   http.RoundTripper
	tokens TokenSource
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if t.tokens != nil {
		if token, ok := t.tokens.ValidAccessToken(req.Context()); ok {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if out.Header.Get("X-Request-ID") == "" {
		out.Header.Set("X-Request-ID", uuid.NewString())
	}
	out.Header.Set("User-Agent", "mcontrol/"+buildinfo.Version)
	out.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if errDecode := decodeResponseBody(resp); errDecode != nil {
		_ = resp.Body.Close()
		return nil, errDecode
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (gjson.Result, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("api: close %s response: %v", path, errClose)
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("api: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized && resp.Request != nil {
		log.WithField("component", "api").Debugf("%s %s rejected credentials %q", method, path, util.MaskAuthorizationHeader(resp.Request.Header.Get("Authorization")))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, &Error{Method: method, Path: path, StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("api: %s %s: response is not JSON", method, path)
	}
	return gjson.ParseBytes(raw), nil
}

func errorDetail(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return strings.TrimSpace(string(raw))
	}
	body := gjson.ParseBytes(raw)
	if d := body.Get("detail"); d.Exists() {
		if d.IsArray() {
			return d.Get("0.msg").String()
		}
		return d.String()
	}
	return body.Get("error").String()
}

// WebsocketURL returns the realtime endpoint derived from the base URL.
func (c *Client) WebsocketURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return "", fmt.Errorf("api: websocket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}
