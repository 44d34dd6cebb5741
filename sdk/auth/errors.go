package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSignInTimedOut is returned when the interactive sign-in did not finish in time.
	ErrSignInTimedOut = errors.New("auth: sign-in timed out")
	// ErrSignInRejected is returned when the broker or the provider reported an error.
	ErrSignInRejected = errors.New("auth: sign-in rejected")
	// ErrSignInSuperseded is returned to a sign-in overtaken by a newer sign-in or a sign-out.
	ErrSignInSuperseded = errors.New("auth: sign-in superseded")
	// ErrRefreshFailed marks every failed refresh grant. Causes are not distinguished.
	ErrRefreshFailed = errors.New("auth: refresh failed")
	// ErrStorageCorrupt marks a persisted session that could not be read back.
	ErrStorageCorrupt = errors.New("auth: stored session is corrupt")
	// ErrManagerClosed is returned by Manager calls made after Close.
	ErrManagerClosed = errors.New("auth: session manager closed")

	errNoSession = errors.New("auth: no session")
)

// SignInError carries the reason an interactive sign-in failed.
// Kind is ErrSignInTimedOut or ErrSignInRejected.
type SignInError struct {
	Kind       error
	StatusCode int
	Detail     string
	Err        error
}

func (e *SignInError) Error() string {
	if e == nil {
		return ErrSignInRejected.Error()
	}
	kind := e.Kind
	if kind == nil {
		kind = ErrSignInRejected
	}
	switch {
	case e.Detail != "" && e.StatusCode != 0:
		return fmt.Sprintf("%v: %s (status %d)", kind, e.Detail, e.StatusCode)
	case e.Detail != "":
		return fmt.Sprintf("%v: %s", kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", kind, e.Err)
	}
	return kind.Error()
}

func (e *SignInError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Kind == nil {
		errs[0] = ErrSignInRejected
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// UserMessage is the text shown on the login screen.
func (e *SignInError) UserMessage() string {
	if e.Detail != "" {
		return e.Detail
	}
	if errors.Is(e.Kind, ErrSignInTimedOut) {
		return "Sign-in timed out. Please try again."
	}
	return "Authentication failed"
}

// RefreshError reports a failed refresh grant. errors.Is(err, ErrRefreshFailed) holds for every instance.
type RefreshError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *RefreshError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("auth: refresh failed: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("auth: refresh failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("auth: refresh failed: %v", e.Err)
	}
	return ErrRefreshFailed.Error()
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is makes every RefreshError match ErrRefreshFailed.
func (e *RefreshError) Is(target error) bool { return target == ErrRefreshFailed }
