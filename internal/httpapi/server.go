// Package httpapi serves the TopicMesh client and admin API over HTTP with
// JWT bearer authentication.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
)

const (
	// DefaultPort is the port the API listens on when none is configured
	DefaultPort = "8081"
	// DefaultKeepAlive is the SSE keepalive interval
	DefaultKeepAlive = 15 * time.Second

	defaultSecretKey = "topicmesh-dev-secret-key-change-in-production"
)

// Server represents the HTTP API server
type Server struct {
	broker     broker.Broker
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	log        *slog.Logger
}

// Config holds server configuration
type Config struct {
	Port      string
	SecretKey string
	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration
	// NoAuth bypasses authentication for client endpoints (development)
	NoAuth bool
	// AdminClients are the client ids granted admin tokens at login
	AdminClients []string
	// KeepAlive is the SSE keepalive interval
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// SetDefaults fills in unset fields
func (c *Config) SetDefaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.SecretKey == "" {
		c.SecretKey = defaultSecretKey
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.AdminClients == nil {
		c.AdminClients = []string{"admin"}
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewServer creates a new HTTP API server
func NewServer(b broker.Broker, config Config) *Server {
	config.SetDefaults()

	jwtAuth := NewJWTAuth(config.SecretKey, config.TokenTTL)
	server := &Server{
		broker:     b,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(b, jwtAuth, config.AdminClients, config.KeepAlive, config.Logger),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, config.Logger),
		log:        config.Logger,
	}

	server.server = &http.Server{
		Addr:              ":" + config.Port,
		Handler:           server.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return server
}

// Handler returns the routed handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.log.Info("httpapi: listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply global middleware
	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}
	auth := func(handler http.HandlerFunc) http.Handler {
		return withMiddleware(s.middleware.AuthRequired(handler))
	}
	admin := func(handler http.HandlerFunc) http.Handler {
		return withMiddleware(s.middleware.AdminRequired(handler))
	}

	// Authentication endpoints
	mux.Handle("POST /api/v1/auth/login", withMiddleware(s.handlers.Login))
	mux.Handle("POST /api/v1/auth/logout", auth(s.handlers.Logout))

	// Message endpoints
	mux.Handle("POST /api/v1/messages", auth(s.handlers.PublishMessage))
	mux.Handle("GET /api/v1/messages", auth(s.handlers.ReceiveMessages))
	mux.Handle("GET /api/v1/messages/stream", auth(s.handlers.StreamMessages))

	// Subscription endpoints
	mux.Handle("GET /api/v1/subscriptions", auth(s.handlers.ListSubscriptions))
	mux.Handle("POST /api/v1/subscriptions", auth(s.handlers.CreateSubscription))
	mux.Handle("DELETE /api/v1/subscriptions/{name...}", auth(s.handlers.DeleteSubscription))
	mux.Handle("POST /api/v1/shared/{owner}/{name...}", auth(s.handlers.JoinShared))
	mux.Handle("DELETE /api/v1/shared/{owner}/{name...}", auth(s.handlers.LeaveShared))

	// Admin endpoints
	mux.Handle("GET /api/v1/admin/subscriptions", admin(s.handlers.AdminListSubscriptions))
	mux.Handle("GET /api/v1/admin/patterns", admin(s.handlers.AdminPatterns))
	mux.Handle("GET /api/v1/admin/stats", admin(s.handlers.AdminGetStats))
	mux.Handle("DELETE /api/v1/admin/clients/{client}", admin(s.handlers.AdminDisconnectClient))

	mux.Handle("GET /api/v1/health", withMiddleware(s.handlers.Health))
	mux.Handle("OPTIONS /", withMiddleware(s.handleNotFound))
	mux.Handle("GET /{$}", withMiddleware(s.handleRoot))

	return mux
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, "Not found", http.StatusNotFound)
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"service":     "TopicMesh HTTP API",
		"version":     "1.0.0",
		"node":        s.broker.NodeID(),
		"description": "Topic-based publish/subscribe with wildcard patterns and selectors",
		"endpoints": map[string]any{
			"auth": map[string]string{
				"login":  "POST /api/v1/auth/login",
				"logout": "POST /api/v1/auth/logout",
			},
			"messages": map[string]string{
				"publish": "POST /api/v1/messages",
				"receive": "GET /api/v1/messages?subscription={name}&wait={duration}&max={n}",
				"stream":  "GET /api/v1/messages/stream?subscription={name}",
			},
			"subscriptions": map[string]string{
				"list":   "GET /api/v1/subscriptions",
				"create": "POST /api/v1/subscriptions",
				"delete": "DELETE /api/v1/subscriptions/{name}",
				"join":   "POST /api/v1/shared/{owner}/{name}",
				"leave":  "DELETE /api/v1/shared/{owner}/{name}",
			},
			"admin": map[string]string{
				"subscriptions": "GET /api/v1/admin/subscriptions",
				"patterns":      "GET /api/v1/admin/patterns",
				"stats":         "GET /api/v1/admin/stats",
				"disconnect":    "DELETE /api/v1/admin/clients/{client}",
			},
			"health": "GET /api/v1/health",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}

	writeJSON(w, info, http.StatusOK)
}
