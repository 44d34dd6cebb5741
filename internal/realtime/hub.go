package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeTimeout         = 10 * time.Second
	maxInboundMessageLen = 1 << 20
	defaultIdleTimeout   = 30 * time.Second
)

var errClosed = errors.New("websocket session closed")

// HubOptions configures a Hub.
type HubOptions struct {
	// IdleTimeout is how long the hub waits for a client message before it
	// sends a heartbeat.
	IdleTimeout time.Duration
	// Authorize rejects an upgrade request when it returns an error.
	Authorize func(*http.Request) error
}

// Hub is the server side of the realtime link.
type Hub struct {
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
	authorize   func(*http.Request) error

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

// NewHub builds a hub with the supplied options.
func NewHub(opts HubOptions) *Hub {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		idleTimeout: idle,
		authorize:   opts.Authorize,
		sessions:    make(map[*session]struct{}),
	}
}

// Handler upgrades connections to websocket sessions.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleWebsocket)
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Stop closes all active sessions.
func (h *Hub) Stop(_ context.Context) error {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[*session]struct{})
	h.mu.Unlock()
	for _, s := range sessions {
		s.cleanup(errors.New("realtime: hub stopped"))
	}
	return nil
}

func (h *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Method, http.MethodGet) {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.authorize != nil {
		if err := h.authorize(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("component", "realtime").Warnf("upgrade failed: %v", err)
		return
	}
	s := &session{conn: conn, hub: h, closed: make(chan struct{})}
	conn.SetReadLimit(maxInboundMessageLen)
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	go s.run()
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

type session struct {
	conn       *websocket.Conn
	hub        *Hub
	closed     chan struct{}
	closeOnce  sync.Once
	writeMutex sync.Mutex
}

// run answers pings, acknowledges other messages, and sends a heartbeat
// whenever the client has been quiet for the idle timeout.
func (s *session) run() {
	inbound := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := s.conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-s.closed:
				return
			}
		}
	}()

	idle := time.NewTimer(s.hub.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-s.closed:
			return
		case err := <-readErr:
			s.cleanup(err)
			return
		case msg := <-inbound:
			if err := s.send(reply(msg)); err != nil {
				s.cleanup(err)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.hub.idleTimeout)
		case <-idle.C:
			if err := s.send(Message{Type: MessageTypeHeartbeat}); err != nil {
				s.cleanup(err)
				return
			}
			idle.Reset(s.hub.idleTimeout)
		}
	}
}

func reply(msg Message) Message {
	if msg.Type == MessageTypePing {
		return Message{Type: MessageTypePong}
	}
	echoed, err := json.Marshal(msg)
	if err != nil {
		echoed = []byte(`{}`)
	}
	return Message{Type: MessageTypeAck, Data: echoed}
}

func (s *session) send(msg Message) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func (s *session) cleanup(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.hub.remove(s)
		if cause != nil && !errors.Is(cause, errClosed) && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.WithField("component", "realtime").Debugf("session closed: %v", cause)
		}
	})
}
