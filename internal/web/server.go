// Package web exposes the REST API and WebSocket endpoints: device and
// session management, lifecycle events and the per-session stream feed.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"droidcast/internal/adb"
	"droidcast/internal/automation"
	"droidcast/internal/events"
	"droidcast/internal/scrcpy"
	"droidcast/internal/session"
	"droidcast/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics exposes the Prometheus registry on /metrics.
func WithMetrics(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithMacros enables the macro script endpoints.
func WithMacros(mgr *automation.Manager, engine *automation.Engine) ServerOption {
	return func(s *Server) {
		s.scriptMgr = mgr
		s.macroEngine = engine
	}
}

// DeviceRegistry is the slice of the ADB registry the server uses.
type DeviceRegistry interface {
	ListDevices() []adb.Device
	GetDevice(serial string) (adb.Device, bool)
	GetOrConnect(ctx context.Context, serial string) (*adb.Link, error)
	Disconnect(serial string) error
	ConnectedCount() int
}

// SessionManager is the slice of the session manager the server uses.
type SessionManager interface {
	Start(ctx context.Context, serial string, o scrcpy.Overrides) (*session.Supervisor, error)
	Stop(ctx context.Context, serial string) error
	Get(serial string) (*session.Supervisor, error)
	List() []session.Status
}

// Server is the HTTP front of the daemon.
type Server struct {
	registry DeviceRegistry
	sessions SessionManager
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger
	mux      *http.ServeMux

	apiKey         string
	allowedOrigins []string
	version        string
	gatherer       prometheus.Gatherer
	scriptMgr      *automation.Manager
	macroEngine    *automation.Engine

	eventHub    *WSHub
	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer wires the HTTP surface. Call Stop to shut the event hub down.
func NewServer(registry DeviceRegistry, sessions SessionManager, st store.Store,
	bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {

	s := &Server{
		registry: registry,
		sessions: sessions,
		store:    st,
		bus:      bus,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.eventHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.eventHub.Run()
	}()

	// Every bus event fans out to the /ws/events feed.
	s.unsubEvents = bus.OnAll(func(event events.Event) {
		s.eventHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.eventHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{serial}", s.handleAPIGetDevice)
	s.mux.HandleFunc("POST /api/devices/{serial}/connect", s.handleAPIConnectDevice)
	s.mux.HandleFunc("POST /api/devices/{serial}/disconnect", s.handleAPIDisconnectDevice)
	s.mux.HandleFunc("PATCH /api/devices/{serial}", s.handleAPIRenameDevice)

	s.mux.HandleFunc("GET /api/sessions", s.handleAPIListSessions)
	s.mux.HandleFunc("GET /api/sessions/{serial}", s.handleAPIGetSession)
	s.mux.HandleFunc("POST /api/sessions/{serial}", s.handleAPIStartSession)
	s.mux.HandleFunc("DELETE /api/sessions/{serial}", s.handleAPIStopSession)

	s.mux.HandleFunc("GET /api/macros", s.handleAPIListMacros)
	s.mux.HandleFunc("POST /api/macros", s.handleAPICreateMacro)
	s.mux.HandleFunc("POST /api/macros/run", s.handleAPIRunInlineMacro)
	s.mux.HandleFunc("GET /api/macros/{id}", s.handleAPIGetMacro)
	s.mux.HandleFunc("PUT /api/macros/{id}", s.handleAPIUpdateMacro)
	s.mux.HandleFunc("DELETE /api/macros/{id}", s.handleAPIDeleteMacro)
	s.mux.HandleFunc("POST /api/macros/{id}/run", s.handleAPIRunMacro)
	s.mux.HandleFunc("POST /api/macros/{id}/toggle", s.handleAPIToggleMacro)

	s.mux.HandleFunc("GET /ws/events", s.handleWSEvents)
	s.mux.HandleFunc("GET /ws/stream/{serial}", s.handleWSStream)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ endpoints require the key. WebSocket upgrades cannot
		// carry custom headers from browsers.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
