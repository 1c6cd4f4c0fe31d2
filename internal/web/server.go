// Package web exposes the control plane over HTTP: a JSON API consumed by
// the embedded single-page shell, plus a websocket push channel for
// operation progress.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/composedeck/composedeck/internal/compose"
	"github.com/composedeck/composedeck/internal/config"
	"github.com/composedeck/composedeck/internal/instance"
	"github.com/composedeck/composedeck/internal/orchestrator"
)

// Config holds the server settings.
type Config struct {
	// ListenAddr is the primary listen address.
	ListenAddr string
	// AuthFile stores the login credentials.
	AuthFile string
	// SessionTTL bounds login session lifetime.
	SessionTTL time.Duration
}

// Deps are the collaborators the handlers dispatch into.
type Deps struct {
	Orch      *orchestrator.Orchestrator
	Registry  *instance.Registry
	Selection *instance.Selection
	Probe     *compose.Probe
	Templates *config.TemplateRegistry
	Runner    compose.Runner
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg  Config
	deps Deps
	auth *Authenticator

	httpSrv *http.Server
}

// NewServer creates a Server. Call Start to begin serving.
func NewServer(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		auth: NewAuthenticator(cfg.AuthFile, cfg.SessionTTL),
	}
}

// Auth exposes the authenticator for startup initialization.
func (s *Server) Auth() *Authenticator {
	return s.auth
}

// Handler returns the routed handler. It is also what the fallback
// listener serves, so both entry points behave identically.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/static/", http.StripPrefix("/static/", s.staticFileServer()))
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/progress", s.handleProgress)
	mux.HandleFunc("/ws/progress", s.handleProgressWS)

	mux.HandleFunc("/api/action", s.handleAction)
	mux.HandleFunc("/api/switch_to", s.handleSwitchTo)
	mux.HandleFunc("/api/instance/create", s.handleInstanceCreate)
	mux.HandleFunc("/api/instance/delete", s.handleInstanceDelete)

	mux.HandleFunc("/api/templates", s.handleTemplates)
	mux.HandleFunc("/api/env", s.handleEnvGet)
	mux.HandleFunc("/api/env/save", s.handleEnvSave)
	mux.HandleFunc("/api/radio", s.handleRadioGet)
	mux.HandleFunc("/api/radio/apply", s.handleRadioApply)

	return mux
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[WEB] listening on %s", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// authorizeRequest checks the session cookie.
func (s *Server) authorizeRequest(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	return s.auth.Validate(c.Value)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WEB] write response: %v", err)
	}
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiErrorBody{
		"error": {Code: code, Message: message},
	})
}

// writeOperationError maps the orchestrator's synchronous rejections onto
// HTTP statuses: busy is retryable, validation and not-found are not.
func writeOperationError(w http.ResponseWriter, err error) {
	var ve *orchestrator.ValidationError
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		writeAPIError(w, http.StatusConflict, "BUSY", err.Error())
	case errors.Is(err, orchestrator.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &ve):
		writeAPIError(w, http.StatusBadRequest, "VALIDATION", ve.Reason)
	default:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
