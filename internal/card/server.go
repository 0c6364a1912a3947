package card

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
)

// Server exposes the pipeline over HTTP: the live item list, aggregated
// stats, batch info, session resume/discard and per-item actions.
type Server struct {
	pipeline  *Pipeline
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(pipeline *Pipeline, basicAuth BasicAuth) *Server {
	return NewServerWithMux(pipeline, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(pipeline *Pipeline, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		pipeline:  pipeline,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Card Intake"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/cards/{id}/retry", s.requireAuth(s.handleRetryCard))
	s.mux.HandleFunc("DELETE /api/cards/{id}", s.requireAuth(s.handleRemoveCard))
	s.mux.HandleFunc("GET /api/cards/{id}", s.requireAuth(s.handleGetCard))
	s.mux.HandleFunc("GET /api/cards", s.requireAuth(s.handleListCards))
	s.mux.HandleFunc("POST /api/cards", s.requireAuth(s.handleAddCard))
	s.mux.HandleFunc("DELETE /api/cards", s.requireAuth(s.handleReset))

	s.mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	s.mux.HandleFunc("GET /api/batch", s.requireAuth(s.handleBatch))

	s.mux.HandleFunc("POST /api/session/resume", s.requireAuth(s.handleResumeSession))
	s.mux.HandleFunc("POST /api/session/discard", s.requireAuth(s.handleDiscardSession))
	s.mux.HandleFunc("GET /api/session", s.requireAuth(s.handleSession))

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
