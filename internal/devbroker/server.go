// Package devbroker is a local stand-in for the Mission Control API and its
// identity broker. It issues emulator tokens, serves the polling sign-in
// protocol, the secure token refresh endpoint, the credential store and the
// realtime socket so the desktop client can run end to end without cloud
// services.
package devbroker

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mcontrol/mission-control/internal/logging"
	"github.com/mcontrol/mission-control/internal/realtime"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultAddr is where the broker listens when Options.Addr is empty.
	DefaultAddr = "127.0.0.1:8000"
	// DefaultVersion is reported by /api/health.
	DefaultVersion = "0.0.1"

	apiPrefix        = "/api"
	secureTokenPath  = "/securetoken.googleapis.com/v1/token"
	consentPath      = "/auth/google/consent"
	devCodePrefix    = "dev:"
	missingTokenText = "Missing authentication token"
	invalidTokenText = "Invalid authentication token"
)

// Options configures a Server.
type Options struct {
	Addr string
	// PublicURL overrides the externally visible origin used in auth_url.
	PublicURL     string
	Version       string
	TokenLifetime time.Duration
	SessionTTL    time.Duration
	// Emulator enables the dev sign-in bypass and dev authorization codes.
	Emulator bool
	// IdleTimeout is the realtime heartbeat interval.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Server is the development broker.
type Server struct {
	opts     Options
	engine   *gin.Engine
	accounts *accounts
	sessions *signInSessions
	keys     *keyring
	hub      *realtime.Hub

	mu     sync.Mutex
	server *http.Server
	origin string
}

// New builds a broker. It does not listen until Start.
func New(opts Options) *Server {
	if strings.TrimSpace(opts.Addr) == "" {
		opts.Addr = DefaultAddr
	}
	if strings.TrimSpace(opts.Version) == "" {
		opts.Version = DefaultVersion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:     opts,
		accounts: newAccounts(opts.TokenLifetime, opts.Now),
		sessions: newSignInSessions(opts.SessionTTL, opts.Now),
		keys:     newKeyring(opts.Now),
	}
	s.origin = strings.TrimRight(strings.TrimSpace(opts.PublicURL), "/")
	s.hub = realtime.NewHub(realtime.HubOptions{
		IdleTimeout: opts.IdleTimeout,
		Authorize: func(r *http.Request) error {
			_, err := s.authenticate(r.Header.Get("Authorization"))
			return err
		},
	})
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	engine.POST(secureTokenPath, s.handleSecureToken)

	api := engine.Group(apiPrefix)
	api.GET("/health", s.handleHealth)
	api.GET("/ws", gin.WrapH(s.hub.Handler()))

	authGroup := api.Group("/auth")
	authGroup.POST("/google/start", s.handleStart)
	authGroup.GET("/google/poll", s.handlePoll)
	authGroup.POST("/google/exchange", s.handleExchange)
	authGroup.GET("/google/consent", s.handleConsentPage)
	authGroup.POST("/google/consent", s.handleConsentSubmit)
	authGroup.POST("/dev/signin", s.handleDevSignIn)
	authGroup.GET("/me", s.requireUser, s.handleMe)

	keys := api.Group("/keys", s.requireUser)
	keys.GET("", s.handleListKeys)
	keys.POST("", s.handleCreateKey)
	keys.GET("/:id", s.handleGetKey)
	keys.PUT("/:id", s.handleUpdateKey)
	keys.DELETE("/:id", s.handleDeleteKey)

	return engine
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("devbroker: already running")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("devbroker: listen %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	if s.origin == "" {
		s.origin = "http://" + ln.Addr().String()
	}
	go func() {
		if errServe := srv.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.WithError(errServe).Warn("dev broker stopped unexpectedly")
		}
	}()
	log.Infof("dev broker listening on %s", s.origin)
	return nil
}

// APIURL is the api-url a client should be configured with.
func (s *Server) APIURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin + apiPrefix
}

// TokenURL is the refresh endpoint a client should be configured with.
func (s *Server) TokenURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin + secureTokenPath + "?key=fake-api-key"
}

// Stop closes realtime sessions and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if errHub := s.hub.Stop(ctx); errHub != nil {
		log.Debugf("dev broker: stop realtime hub: %v", errHub)
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("devbroker: shutdown: %w", err)
	}
	return nil
}

// Complete finishes a pending polling session as email. It reports false
// when the session is unknown, expired or already finished.
func (s *Server) Complete(sessionID, email string) bool {
	if strings.TrimSpace(email) == "" {
		return false
	}
	acc := s.accounts.Upsert(email, "")
	return s.sessions.Complete(sessionID, s.accounts.Issue(acc))
}

// Fail finishes a pending polling session with an error.
func (s *Server) Fail(sessionID, detail string) bool {
	return s.sessions.Fail(sessionID, detail)
}

// PendingSessions lists sessions still waiting for consent.
func (s *Server) PendingSessions() []string {
	return s.sessions.Pending()
}

func (s *Server) publicOrigin(c *gin.Context) string {
	s.mu.Lock()
	origin := s.origin
	s.mu.Unlock()
	if origin != "" {
		return origin
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.opts.Version,
		"services": gin.H{
			"auth":     "ok",
			"realtime": "ok",
		},
	})
}

func (s *Server) handleStart(c *gin.Context) {
	id := uuid.NewString()
	s.sessions.Register(id)
	authURL := s.publicOrigin(c) + apiPrefix + consentPath + "?session_id=" + url.QueryEscape(id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "auth_url": authURL})
}

func (s *Server) handlePoll(c *gin.Context) {
	id := strings.TrimSpace(c.Query("session_id"))
	if id == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "session_id is required"})
		return
	}
	session, ok := s.sessions.Take(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found or expired"})
		return
	}
	switch session.Status {
	case statusComplete:
		body := tokenBody(session.Tokens)
		body["status"] = statusComplete
		c.JSON(http.StatusOK, body)
	case statusError:
		c.JSON(http.StatusOK, gin.H{"status": statusError, "detail": session.Detail})
	default:
		c.JSON(http.StatusOK, gin.H{"status": statusPending})
	}
}

type exchangeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

// handleExchange accepts "dev:<email>" codes in emulator mode. Real provider
// codes cannot be redeemed without Google credentials.
func (s *Server) handleExchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid body"})
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "code is required"})
		return
	}
	email, isDev := strings.CutPrefix(code, devCodePrefix)
	if !s.opts.Emulator || !isDev || !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid authorization code"})
		return
	}
	acc := s.accounts.Upsert(email, "")
	c.JSON(http.StatusOK, tokenBody(s.accounts.Issue(acc)))
}

type devSignInRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleDevSignIn(c *gin.Context) {
	if !s.opts.Emulator {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not available in production"})
		return
	}
	var req devSignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid body"})
		return
	}
	if !strings.Contains(req.Email, "@") {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "A valid email is required"})
		return
	}
	acc := s.accounts.Upsert(req.Email, req.DisplayName)
	c.JSON(http.StatusOK, tokenBody(s.accounts.Issue(acc)))
}

func (s *Server) handleConsentPage(c *gin.Context) {
	id := c.Query("session_id")
	page := fmt.Sprintf(`<!doctype html>
<html><head><title>Mission Control sign-in</title></head>
<body>
<h1>Mission Control</h1>
<p>Development sign-in. Choose the account to continue as.</p>
<form method="post" action="%[1]s%[2]s">
<input type="hidden" name="session_id" value="%[3]s">
<input type="email" name="email" placeholder="you@example.com" required>
<button type="submit" name="action" value="allow">Continue</button>
<button type="submit" name="action" value="deny" formnovalidate>Cancel</button>
</form>
</body></html>`, apiPrefix, consentPath, html.EscapeString(id))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

func (s *Server) handleConsentSubmit(c *gin.Context) {
	id := c.PostForm("session_id")
	var ok bool
	var message string
	if c.PostForm("action") == "deny" {
		ok = s.Fail(id, "Sign-in was cancelled")
		message = "Sign-in cancelled. You can close this window."
	} else {
		ok = s.Complete(id, c.PostForm("email"))
		message = "Signed in. You can close this window and return to Mission Control."
	}
	if !ok {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte("<p>Session not found or expired.</p>"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte("<p>"+html.EscapeString(message)+"</p>"))
}

// handleSecureToken mirrors the securetoken refresh grant, including its
// string-typed expires_in and error shape.
func (s *Server) handleSecureToken(c *gin.Context) {
	if c.PostForm("grant_type") != "refresh_token" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": http.StatusBadRequest, "message": "INVALID_GRANT_TYPE"}})
		return
	}
	tokens, ok := s.accounts.Refresh(c.PostForm("refresh_token"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": http.StatusBadRequest, "message": "INVALID_REFRESH_TOKEN"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id_token":      tokens.IDToken,
		"refresh_token": tokens.RefreshToken,
		"expires_in":    fmt.Sprintf("%d", tokens.ExpiresIn),
		"token_type":    "Bearer",
		"user_id":       tokens.User.UID,
	})
}

const userKey = "devbroker.user"

func (s *Server) authenticate(header string) (account, error) {
	token, found := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return account{}, errors.New(missingTokenText)
	}
	acc, ok := s.accounts.Verify(token)
	if !ok {
		return account{}, errors.New(invalidTokenText)
	}
	return acc, nil
}

func (s *Server) requireUser(c *gin.Context) {
	acc, err := s.authenticate(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": err.Error()})
		return
	}
	c.Set(userKey, acc)
	c.Next()
}

func currentUser(c *gin.Context) account {
	acc, _ := c.MustGet(userKey).(account)
	return acc
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, userBody(currentUser(c)))
}

func tokenBody(tokens *issued) gin.H {
	return gin.H{
		"id_token":      tokens.IDToken,
		"refresh_token": tokens.RefreshToken,
		"expires_in":    tokens.ExpiresIn,
		"user":          userBody(tokens.User),
	}
}

func userBody(acc account) gin.H {
	return gin.H{
		"uid":          acc.UID,
		"email":        acc.Email,
		"display_name": acc.DisplayName,
		"avatar_url":   acc.AvatarURL,
	}
}
