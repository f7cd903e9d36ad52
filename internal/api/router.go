package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/invopop/jsonschema"

	"netsync/internal/codec"
	"netsync/internal/correction"
	"netsync/internal/ratelimit"
	"netsync/internal/replication"
)

// ContextInterface defines the replication context methods used by the API.
// This interface enables mocking for tests without running a tick loop.
// Keep this minimal - only include methods the API layer actually calls.
type ContextInterface interface {
	// Stats returns a consistent snapshot of tick, gate and cache state
	Stats() replication.Stats
	// Entities lists entities (server) or mirrors (client) without state
	Entities() []replication.EntitySummary
	// EntitySummary returns one entity with its full state
	EntitySummary(id correction.EntityID) (replication.EntitySummary, bool)
}

// RegistryInterface exposes the frozen message table.
type RegistryInterface interface {
	Types(withSchema bool) []codec.TypeInfo
	Schemas() map[string]*jsonschema.Schema
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
// This struct is designed for dependency injection and testability.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Context:  mockContext,
//	    Registry: table,
//	    RateLimitConfig: &ratelimit.Config{
//	        PerSecond: 1000, // High limit for tests
//	        Burst:     1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Context is the replication context (required)
	Context ContextInterface

	// Registry is the frozen message table (required)
	Registry RegistryInterface

	// RateLimiter is an optional pre-configured per-IP limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *ratelimit.Keyed[string]

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses ratelimit.DefaultConfig.
	RateLimitConfig *ratelimit.Config

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, only localhost is allowed.
	CORSOrigins []string

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	ctx      ContextInterface
	registry RegistryInterface
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function has no side effects beyond the limiter's cleanup
// goroutine when no RateLimiter is passed. No network listeners are opened.
//
// Example:
//
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
//	defer ts.Close()
//	resp, _ := http.Get(ts.URL + "/api/stats")
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	r.Use(RateLimitMiddleware(GetRateLimiterFromRouter(cfg)))

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	h := &routerHandlers{
		ctx:      cfg.Context,
		registry: cfg.Registry,
	}

	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.handleGetStats)

		r.Get("/registry", h.handleGetRegistry)
		r.Get("/registry/schema", h.handleGetSchemas)

		r.Get("/entities", h.handleGetEntities)
		r.Get("/entities/{id}", h.handleGetEntity)
	})

	return r
}

// GetRateLimiterFromRouter returns the configured limiter, or builds one.
func GetRateLimiterFromRouter(cfg RouterConfig) *ratelimit.Keyed[string] {
	if cfg.RateLimiter != nil {
		return cfg.RateLimiter
	}
	rateLimitCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitConfig != nil {
		rateLimitCfg = *cfg.RateLimitConfig
	}
	return ratelimit.NewKeyed[string](rateLimitCfg)
}

// requestMetrics records latency per route pattern, never per raw URL.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		RecordRequest(r.Method, pattern, time.Since(start))
	})
}
