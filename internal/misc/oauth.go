// Package misc holds small helpers shared by the sign-in strategies.
package misc

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// GenerateRandomState returns a URL-safe random value used as the OAuth state
// parameter of a loopback sign-in.
func GenerateRandomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// OAuthCallback is the parsed result of a redirect to the loopback listener
// or of a callback URL pasted by the user.
type OAuthCallback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Failed reports whether the provider redirected with an error instead of a code.
func (c *OAuthCallback) Failed() bool {
	return c != nil && c.Error != ""
}

// Message renders the provider error for display.
func (c *OAuthCallback) Message() string {
	if c == nil {
		return ""
	}
	if c.ErrorDescription != "" {
		return c.Error + ": " + c.ErrorDescription
	}
	return c.Error
}

// ParseOAuthCallback accepts a full redirect URL, a bare query string, or a
// "host/path?query" fragment and extracts the OAuth parameters.
// Blank input yields nil, nil.
func ParseOAuthCallback(input string) (*OAuthCallback, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}

	candidate := trimmed
	if !strings.Contains(candidate, "://") {
		switch {
		case strings.HasPrefix(candidate, "?"):
			candidate = "http://localhost/" + candidate
		case strings.ContainsAny(candidate, "/?"):
			candidate = "http://" + candidate
		case strings.Contains(candidate, "="):
			candidate = "http://localhost/?" + candidate
		default:
			return nil, fmt.Errorf("invalid callback URL")
		}
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("parse callback URL: %w", err)
	}

	query := parsed.Query()
	if parsed.Fragment != "" {
		if frag, errFrag := url.ParseQuery(parsed.Fragment); errFrag == nil {
			for key, vals := range frag {
				if query.Get(key) == "" && len(vals) > 0 {
					query.Set(key, vals[0])
				}
			}
		}
	}

	cb := &OAuthCallback{
		Code:             strings.TrimSpace(query.Get("code")),
		State:            strings.TrimSpace(query.Get("state")),
		Error:            strings.TrimSpace(query.Get("error")),
		ErrorDescription: strings.TrimSpace(query.Get("error_description")),
	}
	if cb.Error == "" && cb.ErrorDescription != "" {
		cb.Error, cb.ErrorDescription = cb.ErrorDescription, ""
	}
	if cb.Code == "" && cb.Error == "" {
		return nil, fmt.Errorf("callback URL missing code")
	}
	return cb, nil
}
