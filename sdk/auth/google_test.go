package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcontrol/mission-control/internal/auth/google"
	"github.com/mcontrol/mission-control/internal/config"
)

func TestGoogleAuthenticatorPollingBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case google.StartPath:
			_, _ = io.WriteString(w, `{"session_id":"s","auth_url":"https://accounts.example/x"}`)
		case google.PollPath:
			_, _ = io.WriteString(w, `{"status":"complete","id_token":"id","refresh_token":"rt","user":{"uid":"u","email":"ada@example.com","display_name":"Ada","avatar_url":"https://img/a.png"}}`)
		}
	}))
	defer srv.Close()

	issued := time.UnixMilli(1_800_000_000_000)
	var states []string
	a := NewGoogleAuthenticatorWithClient(google.NewGoogleAuthWithClient(srv.URL, "", srv.Client()), config.AuthConfig{}).
		WithOpener(func(string) error { return nil }).
		WithTimeSource(func(context.Context, time.Duration) error { return nil }, func() time.Time { return issued })

	bundle, err := a.SignIn(context.Background(), &SignInOptions{
		OnURL:   func(string) {},
		OnState: func(s string) { states = append(states, s) },
	})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if bundle.ExpiresAt != issued.UnixMilli()+3_600_000 {
		t.Fatalf("unexpected expiry %d", bundle.ExpiresAt)
	}
	want := Identity{UID: "u", Email: "ada@example.com", DisplayName: "Ada", AvatarURL: "https://img/a.png"}
	if bundle.User != want {
		t.Fatalf("unexpected identity %+v", bundle.User)
	}
	if len(states) == 0 || states[len(states)-1] != "complete" {
		t.Fatalf("unexpected states %v", states)
	}
}

func TestGoogleAuthenticatorMapsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case google.StartPath:
			_, _ = io.WriteString(w, `{"session_id":"s","auth_url":"https://accounts.example/x"}`)
		case google.PollPath:
			_, _ = io.WriteString(w, `{"status":"pending"}`)
		case google.DevSignInPath:
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"detail":"Dev sign-in is only available with the auth emulator"}`)
		}
	}))
	defer srv.Close()

	now := time.Unix(0, 0)
	client := google.NewGoogleAuthWithClient(srv.URL, "", srv.Client())
	a := NewGoogleAuthenticatorWithClient(client, config.AuthConfig{}).
		WithTimeSource(func(_ context.Context, d time.Duration) error { now = now.Add(d); return nil }, func() time.Time { return now })

	_, err := a.SignIn(context.Background(), &SignInOptions{NoBrowser: true, OnURL: func(string) {}})
	if !errors.Is(err, ErrSignInTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}

	_, err = a.WithMode(config.AuthModeDev).SignIn(context.Background(), &SignInOptions{LoginHint: "dev@example.com"})
	var signInErr *SignInError
	if !errors.As(err, &signInErr) || !errors.Is(err, ErrSignInRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if signInErr.StatusCode != http.StatusForbidden || signInErr.UserMessage() != "Dev sign-in is only available with the auth emulator" {
		t.Fatalf("unexpected error %+v", signInErr)
	}
}

func TestGoogleRefresherFailuresAreRefreshFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"TOKEN_EXPIRED"}}`)
	}))
	defer srv.Close()

	r := NewGoogleRefresher(google.NewGoogleAuthWithClient("", srv.URL, srv.Client()))
	_, err := r.Refresh(context.Background(), "rt")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}

	unreachable := NewGoogleRefresher(google.NewGoogleAuthWithClient("", "http://127.0.0.1:1/token", nil))
	if _, err = unreachable.Refresh(context.Background(), "rt"); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("transport failure should be ErrRefreshFailed, got %v", err)
	}
}
