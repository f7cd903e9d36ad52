package api

import (
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netsync/internal/protocol"
)

// Metrics with bounded cardinality: labels are channel names, directions and
// fixed drop reasons, never handles or type names.
var (
	// Tick metrics
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsync_tick_duration_seconds",
		Help:    "Time spent in one replication tick",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.033},
	})

	entityCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netsync_entities",
		Help: "Replicated entities (server) or mirrors (client)",
	})

	bufferedSpawns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netsync_gate_buffered_spawns",
		Help: "Spawn messages waiting in tick gates",
	})

	correctionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_corrections_total",
		Help: "Resolvable correction spans emitted",
	})

	correctionSpan = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsync_correction_span_ticks",
		Help:    "Ticks covered by each correction",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_resyncs_total",
		Help: "Corrections outside the cache window",
	})

	cacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netsync_correction_cache_snapshots",
		Help: "Snapshots held in the correction cache",
	})

	// Protocol metrics
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_messages_total",
		Help: "Messages encoded or dispatched",
	}, []string{"channel", "direction"})

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_decode_failures_total",
		Help: "Messages dropped because their payload did not decode",
	}, []string{"channel"})

	unknownTypes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_unknown_type_total",
		Help: "Messages dropped for an unknown type id",
	}, []string{"channel"})

	roleViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_role_violations_total",
		Help: "Messages dropped because the sender may not send that type",
	}, []string{"channel"})

	// Transport metrics
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_frames_total",
		Help: "Frames sent or received",
	}, []string{"channel", "direction"})

	frameBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_frame_bytes_total",
		Help: "Frame bytes sent or received",
	}, []string{"channel", "direction"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_frames_dropped_total",
		Help: "Frames dropped by the transport",
	}, []string{"reason"}) // Bounded: transport.Drop* constants

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netsync_connections_active",
		Help: "Currently attached connections",
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the URL
)

// Metrics exports codec, transport and replication telemetry to Prometheus.
type Metrics struct{}

// Protocol telemetry

func (Metrics) RecordMessages(ch protocol.Channel, direction string, n int) {
	messagesTotal.WithLabelValues(ch.String(), direction).Add(float64(n))
}
func (Metrics) RecordDecodeFailure(ch protocol.Channel) {
	decodeFailures.WithLabelValues(ch.String()).Inc()
}
func (Metrics) RecordUnknownType(ch protocol.Channel) {
	unknownTypes.WithLabelValues(ch.String()).Inc()
}
func (Metrics) RecordRoleViolation(ch protocol.Channel) {
	roleViolations.WithLabelValues(ch.String()).Inc()
}

// Transport telemetry

func (Metrics) RecordFrame(ch protocol.Channel, direction string, bytes int) {
	framesTotal.WithLabelValues(ch.String(), direction).Inc()
	frameBytes.WithLabelValues(ch.String(), direction).Add(float64(bytes))
}
func (Metrics) RecordDroppedFrame(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}
func (Metrics) SetConnections(n int) {
	connectionsActive.Set(float64(n))
}

// Replication telemetry

func (Metrics) ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}
func (Metrics) SetEntities(n int) {
	entityCount.Set(float64(n))
}
func (Metrics) SetBufferedSpawns(n int) {
	bufferedSpawns.Set(float64(n))
}
func (Metrics) RecordCorrection(span uint64) {
	correctionsTotal.Inc()
	correctionSpan.Observe(float64(span))
}
func (Metrics) RecordResync() {
	resyncsTotal.Inc()
}
func (Metrics) SetCacheSize(n int) {
	cacheSize.Set(float64(n))
}

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be localhost in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// DebugHandler returns the pprof + metrics mux, wrapped in basic auth when
// a user is configured.
func DebugHandler(cfg ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()

	// pprof endpoints for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// StartDebugServer starts the internal observability server
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	// SECURITY: Validate address is localhost
	if host, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil || (host != "127.0.0.1" && host != "localhost") {
		// Only allow external binding if explicitly enabled via env
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = DefaultObservabilityConfig().ListenAddr
		}
	}

	handler := DebugHandler(cfg)

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordConnectionRejected increments the rejection counter
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request latency
func RecordRequest(method, endpoint string, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
