package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"netsync/internal/ratelimit"
	"netsync/internal/transport"
)

// ServerConfig wires the HTTP API to a running context.
type ServerConfig struct {
	Context  ContextInterface
	Registry RegistryInterface

	// Hub receives WebSocket peers. Nil disables /ws.
	Hub *transport.Hub

	RateLimit      ratelimit.Config
	AllowedOrigins []string
	MaxConnections int
	MaxPerIP       int
}

// Server is the HTTP API server with the WebSocket transport endpoint.
type Server struct {
	router      *chi.Mux
	gateway     *WebSocketGateway
	rateLimiter *ratelimit.Keyed[string]
	httpServer  *http.Server
}

// NewServer creates a new API server.
//
// IMPORTANT: No network listeners are opened until Start() is called.
// For testing HTTP endpoints without WebSocket support, use NewRouter() directly.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		rateLimiter: ratelimit.NewKeyed[string](cfg.RateLimit),
	}
	s.httpServer = &http.Server{ReadHeaderTimeout: 5 * time.Second}

	s.router = NewRouter(RouterConfig{
		Context:     cfg.Context,
		Registry:    cfg.Registry,
		RateLimiter: s.rateLimiter,
		CORSOrigins: cfg.AllowedOrigins,
	})

	if cfg.Hub != nil {
		s.gateway = NewWebSocketGateway(cfg.Hub, NewOriginPolicy(cfg.AllowedOrigins), cfg.MaxConnections, cfg.MaxPerIP)
		s.router.Get("/ws", s.gateway.HandleWebSocket)
	}

	return s
}

// Start serves HTTP until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	s.httpServer.Handler = s.router

	log.Printf("🌐 API server starting on %s", addr)
	if s.gateway != nil {
		log.Printf("🔌 WebSocket peers: ws://localhost%s/ws", addr)
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the HTTP handler for use with httptest.
// Use this in integration tests instead of calling Start().
func (s *Server) Router() http.Handler {
	return s.router
}

// Stop performs graceful shutdown.
// Hijacked WebSocket connections are closed by the hub, not here.
func (s *Server) Stop(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
