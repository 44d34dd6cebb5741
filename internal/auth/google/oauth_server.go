package google

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mcontrol/mission-control/internal/misc"
	log "github.com/sirupsen/logrus"
)

// CallbackPath is where the provider redirects on the loopback listener.
const CallbackPath = "/callback"

const successPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Mission Control</title></head>
<body style="font-family:sans-serif;text-align:center;margin-top:15vh">
<h2>Signed in to Mission Control</h2>
<p>You can close this tab and return to the app.</p>
</body></html>`

const failurePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Mission Control</title></head>
<body style="font-family:sans-serif;text-align:center;margin-top:15vh">
<h2>Sign-in failed</h2>
<p>%s</p>
</body></html>`

// OAuthServer is the loopback listener that receives the provider redirect.
type OAuthServer struct {
	server     *http.Server
	listener   net.Listener
	port       int
	resultChan chan *misc.OAuthCallback
	errorChan  chan error
	mu         sync.Mutex
	running    bool
}

// NewOAuthServer prepares a listener on 127.0.0.1:port. Port 0 picks a free port at Start.
func NewOAuthServer(port int) *OAuthServer {
	return &OAuthServer{
		port:       port,
		resultChan: make(chan *misc.OAuthCallback, 1),
		errorChan:  make(chan error, 1),
	}
}

// Start binds the listener and serves callbacks in the background.
func (s *OAuthServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("oauth server: already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("oauth server: listen on port %d: %w", s.port, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.running = true

	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			select {
			case s.errorChan <- fmt.Errorf("oauth server: %w", errServe):
			default:
			}
		}
	}()

	log.WithField("component", "oauth-server").Debugf("listening on 127.0.0.1:%d", s.port)
	return nil
}

// Port returns the bound port, valid after Start.
func (s *OAuthServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// RedirectURI is the redirect target registered in the authorization URL.
func (s *OAuthServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), CallbackPath)
}

// Results delivers the first callback received.
func (s *OAuthServer) Results() <-chan *misc.OAuthCallback { return s.resultChan }

// Errors delivers a listener failure.
func (s *OAuthServer) Errors() <-chan error { return s.errorChan }

// Stop shuts the listener down.
func (s *OAuthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

func (s *OAuthServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	result := &misc.OAuthCallback{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
	if result.Code == "" && result.Error == "" {
		result.Error = "no_code"
	}

	select {
	case s.resultChan <- result:
	default:
		log.WithField("component", "oauth-server").Debug("callback already received, ignoring")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if result.Failed() {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, failurePage, html.EscapeString(result.Message()))
		return
	}
	_, _ = w.Write([]byte(successPage))
}
