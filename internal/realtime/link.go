package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPingInterval = 25 * time.Second
	minReconnectDelay   = time.Second
	maxReconnectDelay   = 30 * time.Second
)

// ErrNotSignedIn is returned by Dial when no valid token is available.
var ErrNotSignedIn = errors.New("realtime: not signed in")

// TokenSource supplies the bearer token for the upgrade request.
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (string, bool)
}

// LinkOptions configures a Link.
type LinkOptions struct {
	URL          string
	Tokens       TokenSource
	PingInterval time.Duration
	Dialer       *websocket.Dialer
	// OnMessage receives every ack and heartbeat. It runs on the read goroutine.
	OnMessage func(Message)
	// OnState is called with true after connecting and false after disconnecting.
	OnState func(connected bool)
}

// Link is the client side of the realtime connection. Run keeps it connected
// while a session exists.
type Link struct {
	opts      LinkOptions
	connected atomic.Bool
	lastPong  atomic.Int64

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMutex sync.Mutex
}

// NewLink creates a link. It does not connect until Run or Dial is called.
func NewLink(opts LinkOptions) *Link {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Link{opts: opts}
}

// Connected reports whether the socket is open.
func (l *Link) Connected() bool { return l.connected.Load() }

// LastPong returns when the last pong arrived, or the zero time.
func (l *Link) LastPong() time.Time {
	ns := l.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (l *Link) Run(ctx context.Context) {
	delay := minReconnectDelay
	for {
		started := time.Now()
		err := l.Dial(ctx)
		if err == nil {
			err = l.serve(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxReconnectDelay {
			delay = minReconnectDelay
		}
		if !errors.Is(err, ErrNotSignedIn) {
			log.WithField("component", "realtime").Debugf("link down, retrying in %s: %v", delay, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// Dial opens the socket with the current session token.
func (l *Link) Dial(ctx context.Context) error {
	header := http.Header{}
	if l.opts.Tokens != nil {
		token, ok := l.opts.Tokens.ValidAccessToken(ctx)
		if !ok {
			return ErrNotSignedIn
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := l.opts.Dialer.DialContext(ctx, l.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("realtime: dial %s: %w", l.opts.URL, err)
	}
	conn.SetReadLimit(maxInboundMessageLen)
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setConnected(true)
	return nil
}

// serve pings on an interval and reads until the socket fails or ctx is done.
func (l *Link) serve(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errClosed
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		l.setConnected(false)
	}()

	go func() {
		ticker := time.NewTicker(l.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := l.Send(Message{Type: MessageTypePing}); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime: read: %w", err)
		}
		l.dispatch(msg)
	}
}

func (l *Link) dispatch(msg Message) {
	switch msg.Type {
	case MessageTypePong:
		l.lastPong.Store(time.Now().UnixNano())
	case MessageTypeHeartbeat:
		log.WithField("component", "realtime").Debug("heartbeat")
	}
	if msg.Type != MessageTypePong && l.opts.OnMessage != nil {
		l.opts.OnMessage(msg)
	}
}

// Send writes msg on the open socket.
func (l *Link) Send(msg Message) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errClosed
	}
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// Close drops the current connection. Run reconnects unless its context is done.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (l *Link) setConnected(connected bool) {
	if l.connected.Swap(connected) == connected {
		return
	}
	if l.opts.OnState != nil {
		l.opts.OnState(connected)
	}
}
