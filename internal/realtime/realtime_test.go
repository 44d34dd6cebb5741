package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticTokens struct {
	token string
	ok    bool
}

func (s staticTokens) ValidAccessToken(context.Context) (string, bool) { return s.token, s.ok }

func newHubServer(t *testing.T, idle time.Duration) (*Hub, string) {
	t.Helper()
	hub := NewHub(HubOptions{
		IdleTimeout: idle,
		Authorize: func(r *http.Request) error {
			if r.Header.Get("Authorization") != "Bearer id-1" {
				return errors.New("Missing authentication token")
			}
			return nil
		},
	})
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		_ = hub.Stop(context.Background())
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLinkPingPong(t *testing.T) {
	hub, url := newHubServer(t, time.Minute)
	link := NewLink(LinkOptions{URL: url, Tokens: staticTokens{token: "id-1", ok: true}, PingInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	eventually(t, "connection", link.Connected)
	eventually(t, "hub session", func() bool { return hub.Count() == 1 })
	eventually(t, "pong", func() bool { return !link.LastPong().IsZero() })
}

func TestHubAcksAndHeartbeats(t *testing.T) {
	_, url := newHubServer(t, 50*time.Millisecond)
	received := make(chan Message, 8)
	link := NewLink(LinkOptions{
		URL:          url,
		Tokens:       staticTokens{token: "id-1", ok: true},
		PingInterval: time.Hour,
		OnMessage:    func(msg Message) { received <- msg },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := link.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	go func() { _ = link.serve(ctx) }()

	if err := link.Send(Message{Type: "hello", Data: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var sawAck, sawHeartbeat bool
	timeout := time.After(3 * time.Second)
	for !sawAck || !sawHeartbeat {
		select {
		case msg := <-received:
			switch msg.Type {
			case MessageTypeAck:
				var echoed Message
				if err := json.Unmarshal(msg.Data, &echoed); err != nil || echoed.Type != "hello" {
					t.Fatalf("ack data = %s (%v)", msg.Data, err)
				}
				sawAck = true
			case MessageTypeHeartbeat:
				sawHeartbeat = true
			}
		case <-timeout:
			t.Fatalf("ack=%v heartbeat=%v", sawAck, sawHeartbeat)
		}
	}
}

func TestLinkRequiresSession(t *testing.T) {
	_, url := newHubServer(t, time.Minute)
	link := NewLink(LinkOptions{URL: url, Tokens: staticTokens{}})
	if err := link.Dial(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("Dial without session = %v, want ErrNotSignedIn", err)
	}
	link = NewLink(LinkOptions{URL: url, Tokens: staticTokens{token: "wrong", ok: true}})
	if err := link.Dial(context.Background()); err == nil {
		t.Fatal("Dial with a rejected token succeeded")
	}
	if link.Connected() {
		t.Fatal("link reports connected after a failed dial")
	}
}
