// Package server exposes the voice assistant to the hosting UI over HTTP.
//
// Routes:
//
//	POST   /v1/voice/session          start a live session for {userId}
//	GET    /v1/voice/session          current session id and state
//	DELETE /v1/voice/session          stop the current session
//	GET    /v1/voice/events           WebSocket stream of session updates
//	GET    /v1/voice/command          recorder state
//	POST   /v1/voice/command/start    start recording a command
//	POST   /v1/voice/command/stop     send the recorded command for {userId}
//	POST   /v1/voice/command/cancel   discard the recording
//	GET    /v1/audit/sessions         recent finished sessions
//	GET    /v1/audit/commands         recent commands
//	GET    /healthz, /readyz, /metrics
//
// Every request passes through observe.Middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/brokervoice/internal/audit"
	"github.com/MrWong99/brokervoice/internal/command"
	"github.com/MrWong99/brokervoice/internal/health"
	"github.com/MrWong99/brokervoice/internal/observe"
	"github.com/MrWong99/brokervoice/internal/voice"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Assistant is the voice-session surface the server drives.
type Assistant interface {
	Start(ctx context.Context, userID string) (*voice.Session, error)
	Stop() error
	Current() *voice.Session
	Subscribe(buffer int) (<-chan voice.Update, func())
}

// Commander is the one-shot command surface the server drives.
type Commander interface {
	State() command.State
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context, userID string) (command.Result, error)
	Cancel() error
}

var (
	_ Assistant = (*voice.Assistant)(nil)
	_ Commander = (*command.Recorder)(nil)
)

// Server is the hosting-UI HTTP surface. A nil Assistant or Commander makes
// the corresponding routes answer 503.
type Server struct {
	assistant      Assistant
	commander      Commander
	audit          audit.Store
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	log            *slog.Logger
	eventBuffer    int
	writeTimeout   time.Duration
}

// Option is a functional option for [New].
type Option func(*Server)

// WithAssistant enables the session routes.
func WithAssistant(a Assistant) Option { return func(s *Server) { s.assistant = a } }

// WithCommander enables the command routes.
func WithCommander(c Commander) Option { return func(s *Server) { s.commander = c } }

// WithAudit enables the audit routes.
func WithAudit(st audit.Store) Option { return func(s *Server) { s.audit = st } }

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetrics records HTTP metrics on m.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsHandler = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// New returns a Server configured by opts.
func New(opts ...Option) *Server {
	s := &Server{
		eventBuffer:  64,
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/voice/session", s.handleStartSession)
	mux.HandleFunc("GET /v1/voice/session", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/voice/session", s.handleStopSession)
	mux.HandleFunc("GET /v1/voice/events", s.handleEvents)

	mux.HandleFunc("GET /v1/voice/command", s.handleCommandState)
	mux.HandleFunc("POST /v1/voice/command/start", s.handleCommandStart)
	mux.HandleFunc("POST /v1/voice/command/stop", s.handleCommandStop)
	mux.HandleFunc("POST /v1/voice/command/cancel", s.handleCommandCancel)

	mux.HandleFunc("GET /v1/audit/sessions", s.handleAuditSessions)
	mux.HandleFunc("GET /v1/audit/commands", s.handleAuditCommands)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout. certFile and keyFile enable TLS when
// both are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", addr, err)
	}
	return s.Serve(ctx, ln, certFile, keyFile, shutdownTimeout)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, certFile, keyFile string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", ln.Addr().String(), "tls", certFile != "")
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ServeTLS(ln, certFile, keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errCh
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	body := errorBody{Error: code}
	if err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

// userRequest is the body of session start and command stop.
type userRequest struct {
	UserID string `json:"userId"`
}

func decodeUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req userRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return "", false
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", errors.New("userId is required"))
		return "", false
	}
	return req.UserID, true
}
