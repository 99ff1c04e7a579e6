package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/internal/auth"
	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/models"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/internal/storage"
	"github.com/lorawan-server/lorawan-gateway/internal/validation"
)

// Network is the failover controller surface the API exposes.
// *failover.Controller implements it.
type Network interface {
	Status() failover.Status
	Health() failover.Health
	ForceInterface(t netif.Type) error
	SetAutoMode()
	Reconnect() error
}

// Forwarder is implemented by *forwarder.Engine
type Forwarder interface {
	Status() forwarder.Status
	Stats() forwarder.Stats
}

// Radio is implemented by *radio.Receiver
type Radio interface {
	Stats() radio.Stats
	Settings() radio.Settings
}

// Recorder journals operator actions. *gateway.Gateway implements it.
type Recorder interface {
	Record(e *models.Event)
}

// Deps are the components served by the API. Events, Recorder and Metrics
// may be nil.
type Deps struct {
	Network   Network
	Forwarder Forwarder
	Radio     Radio
	Events    storage.EventStore
	Recorder  Recorder
	Metrics   http.Handler
}

// RESTServer represents the REST API server
type RESTServer struct {
	deps      Deps
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
	started   time.Time
}

// NewRESTServer creates a new REST API server. A nil jwt manager leaves
// the operator endpoints unauthenticated.
func NewRESTServer(jwt *auth.JWTManager, deps Deps) *RESTServer {
	s := &RESTServer{
		deps:      deps,
		auth:      jwt,
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
		started:   time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler, for tests and embedding
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Bool("auth", s.auth != nil).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

type ctxKey struct{}

// claimsFrom returns the token claims stored by authMiddleware
func claimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*auth.Claims)
	return c, ok
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Get token from header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, r, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, r, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
