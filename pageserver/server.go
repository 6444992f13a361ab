// Package pageserver exposes the receiving page over HTTP: a relay endpoint that
// publishes envelopes onto the page's channel, and a read-only view of the
// verification session.
package pageserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/common/logger"
	"github.com/pilacorp/go-proof-relay/message"
	"github.com/pilacorp/go-proof-relay/verification"
)

const (
	DefaultAddr = ":8080"

	maxEnvelopeBytes = 64 << 10
	shutdownTimeout  = 5 * time.Second
)

// SessionSource is the read side of a verification machine.
type SessionSource interface {
	Session() verification.Session
}

// SubjectView is the public part of a verified subject.
type SubjectView struct {
	DisplayName string `json:"display_name"`
	AccessTier  string `json:"access_tier"`
}

// SessionView is the JSON form of a session. Rejection reasons are left out.
type SessionView struct {
	SessionID string       `json:"session_id"`
	State     string       `json:"state"`
	Status    string       `json:"status"`
	Subject   *SubjectView `json:"subject,omitempty"`
}

// NewSessionView builds the public view of s. Every rejection state is shown as
// Rejected, so the view does not tell which check failed.
func NewSessionView(s verification.Session) SessionView {
	state := s.State
	if state.IsRejection() {
		state = verification.StateRejected
	}
	view := SessionView{
		SessionID: s.ID,
		State:     state.String(),
		Status:    s.Status,
	}
	if s.State == verification.StateVerified && s.Subject != nil {
		view.Subject = &SubjectView{
			DisplayName: s.Subject.DisplayName,
			AccessTier:  s.Subject.AccessTier.String(),
		}
	}
	return view
}

// Server is the receiving page's HTTP surface.
type Server struct {
	engine    *gin.Engine
	publisher channel.Publisher
	sessions  SessionSource
	logger    *logger.Logger
	addr      string
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address used by Run. Defaults to DefaultAddr.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the gin engine. Envelopes posted to /relay go to publisher, and
// /session reads from sessions.
func New(publisher channel.Publisher, sessions SessionSource, opts ...Option) (*Server, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if sessions == nil {
		return nil, errors.New("session source is required")
	}
	s := &Server{
		publisher: publisher,
		sessions:  sessions,
		logger:    logger.Nop(),
		addr:      DefaultAddr,
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/healthz", s.health)
	engine.GET("/session", s.session)
	engine.POST("/relay", s.relay)
	s.engine = engine
	return s, nil
}

// Handler returns the engine, for tests and for mounting under another server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("page server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("page server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("page server shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) session(c *gin.Context) {
	c.JSON(http.StatusOK, NewSessionView(s.sessions.Session()))
}

// relay plays the injected script's part: it forwards an envelope onto the page's
// channel without interpreting it beyond the type discriminator.
func (s *Server) relay(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEnvelopeBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "envelope too large"})
		return
	}
	if !message.IsRelayMessage(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a relay message"})
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), body); err != nil {
		s.logger.Error(err, "failed to publish relay envelope")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "channel unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "published"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
