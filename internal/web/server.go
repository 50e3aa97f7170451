// Package web exposes sessions, services and their activity state over
// HTTP, server-sent events and websockets.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/monitor"
	"github.com/asheshgoplani/shellpulse/internal/renderbuf"
	"github.com/asheshgoplani/shellpulse/internal/service"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string
	// InputRate and InputBurst bound websocket input in bytes per second.
	InputRate  float64
	InputBurst int
	Version    string
}

// Backend is the pipeline the server exposes. *monitor.Monitor satisfies it.
type Backend interface {
	Snapshot(ctx context.Context) ([]monitor.SessionInfo, error)
	Subscribe(buffer int) (<-chan monitor.StateChange, func())

	OpenPane(ctx context.Context, cwd, label string) (session.ID, error)
	ClosePane(ctx context.Context, id session.ID) error
	AttachRenderer(ctx context.Context, id session.ID, r renderbuf.Renderer) error
	DetachRenderer(ctx context.Context, id session.ID) error
	Activate(ctx context.Context, id session.ID) error
	Input(id session.ID, data []byte) error
	Resize(id session.ID, cols, rows uint16) error

	AddService(ctx context.Context, d service.Definition) error
	Services(ctx context.Context) ([]monitor.ServiceInfo, error)
	Service(ctx context.Context, id string) (monitor.ServiceInfo, error)
	StartService(ctx context.Context, id string) (service.Instance, error)
	StopService(ctx context.Context, id string) error
	RestartService(ctx context.Context, id string) error
	RemoveService(ctx context.Context, id string) error
	GetLog(ctx context.Context, id string) (string, error)
	ClearLog(ctx context.Context, id string) error
}

var _ Backend = (*monitor.Monitor)(nil)

// Server wraps an HTTP server for the pipeline.
type Server struct {
	cfg        Config
	backend    Backend
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a web server with its routes and middleware.
func NewServer(cfg Config, backend Backend) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8420"
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = 200
	}
	if cfg.InputBurst <= 0 {
		cfg.InputBurst = 400
	}

	s := &Server{cfg: cfg, backend: backend}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/panes", s.handlePanes)
	mux.HandleFunc("/api/panes/{id}", s.handlePaneByID)
	mux.HandleFunc("/api/services", s.handleServices)
	mux.HandleFunc("/api/services/{id}", s.handleServiceByID)
	mux.HandleFunc("/api/services/{id}/log", s.handleServiceLog)
	mux.HandleFunc("/api/services/{id}/{action}", s.handleServiceAction)
	mux.HandleFunc("/events/status", s.handleStatusEvents)
	mux.HandleFunc("/ws/pane/{id}", s.handlePaneWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.StdLogger(logging.CompWeb),
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listen", slog.String("addr", s.cfg.ListenAddr), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Long-lived handlers (SSE/WS) watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  s.cfg.Version,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

// writeBackendError maps pipeline errors onto HTTP statuses.
func writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, monitor.ErrUnknownSession):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrAlreadyRunning):
		writeAPIError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, service.ErrNotRunning):
		writeAPIError(w, http.StatusConflict, "NOT_RUNNING", err.Error())
	case errors.Is(err, monitor.ErrSessionClosed):
		writeAPIError(w, http.StatusConflict, "SESSION_CLOSED", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "request cancelled")
	default:
		webLog.Error("backend_error", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// guard checks method, auth and read-only mode. It writes the error
// response and returns false when the request must not proceed.
func (s *Server) guard(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	allowed := false
	for _, m := range methods {
		if r.Method == m {
			allowed = true
			break
		}
	}
	if !allowed {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return false
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return false
	}
	if s.cfg.ReadOnly && r.Method != http.MethodGet {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
		return false
	}
	return true
}
