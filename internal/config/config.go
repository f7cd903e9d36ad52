// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for tick, protocol, transport and debug settings.
//
// IMPORTANT: Server and client must agree on ProtocolConfig.TickRate and
// MaxCacheTicks. Everything else may differ per process.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int
	MaxConnections int
	AllowedOrigins []string
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:           3000,
		MaxConnections: 256,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if mc := getEnvInt("MAX_CONNECTIONS", 0); mc > 0 {
		cfg.MaxConnections = mc
	}
	if o := getEnvList("ALLOWED_ORIGINS"); len(o) > 0 {
		cfg.AllowedOrigins = o
	}

	return cfg
}

// =============================================================================
// PROTOCOL CONFIGURATION
// =============================================================================

// ProtocolConfig holds the replication protocol settings.
type ProtocolConfig struct {
	TickRate          int // Fixed simulation steps per second
	MaxCacheTicks     int // Correction cache retention window (MAX_CACHE_TICKS_AMNT)
	CompressThreshold int // Frames above this many bytes are lz4-compressed (0 = never)
	MaxBatchBytes     int // Soft cap on a single encoded batch before splitting
	InboxSize         int // Inbound frames buffered between ticks
}

// DefaultProtocol returns the default protocol configuration.
func DefaultProtocol() ProtocolConfig {
	return ProtocolConfig{
		TickRate:          60,
		MaxCacheTicks:     64,
		CompressThreshold: 1024,
		MaxBatchBytes:     1100, // stays under a typical QUIC datagram
		InboxSize:         4096,
	}
}

// ProtocolFromEnv returns protocol configuration with environment variable overrides.
func ProtocolFromEnv() ProtocolConfig {
	cfg := DefaultProtocol()

	if tr := getEnvInt("TICK_RATE", 0); tr > 0 {
		cfg.TickRate = tr
	}
	if mc := getEnvInt("MAX_CACHE_TICKS", 0); mc > 0 {
		cfg.MaxCacheTicks = mc
	}
	if ct := getEnvInt("COMPRESS_THRESHOLD", -1); ct >= 0 {
		cfg.CompressThreshold = ct
	}
	if mb := getEnvInt("MAX_BATCH_BYTES", 0); mb > 0 {
		cfg.MaxBatchBytes = mb
	}
	if ib := getEnvInt("INBOX_SIZE", 0); ib > 0 {
		cfg.InboxSize = ib
	}

	return cfg
}

// TickInterval returns the duration of one simulation step.
func (c ProtocolConfig) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.TickRate)
}

// =============================================================================
// TRANSPORT CONFIGURATION
// =============================================================================

// TransportConfig holds the substrate listeners.
// An empty address disables that substrate.
type TransportConfig struct {
	QUICAddr    string // UDP address for the QUIC listener
	SocketPath  string // Local stream socket (unix socket / named pipe)
	TLSCertFile string // Leave empty to generate an ephemeral self-signed cert
	TLSKeyFile  string
	IdleTimeout time.Duration
}

// DefaultTransport returns the default transport configuration.
func DefaultTransport() TransportConfig {
	return TransportConfig{
		QUICAddr:    ":4433",
		SocketPath:  "",
		IdleTimeout: 30 * time.Second,
	}
}

// TransportFromEnv returns transport configuration with environment variable overrides.
func TransportFromEnv() TransportConfig {
	cfg := DefaultTransport()

	if v, ok := os.LookupEnv("QUIC_ADDR"); ok {
		cfg.QUICAddr = v
	}
	if v := os.Getenv("SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	cfg.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = os.Getenv("TLS_KEY_FILE")
	if s := getEnvInt("IDLE_TIMEOUT_SECONDS", 0); s > 0 {
		cfg.IdleTimeout = time.Duration(s) * time.Second
	}

	return cfg
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimitConfig bounds inbound traffic.
type RateLimitConfig struct {
	FramesPerSecond float64 // Per-connection inbound frame rate
	FrameBurst      int
	HTTPPerSecond   float64 // Per-IP HTTP request rate
	HTTPBurst       int
}

// DefaultRateLimit returns the default rate limits.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		FramesPerSecond: 240, // 4 channels at 60 TPS
		FrameBurst:      480,
		HTTPPerSecond:   10,
		HTTPBurst:       20,
	}
}

// RateLimitFromEnv returns rate limits with environment variable overrides.
func RateLimitFromEnv() RateLimitConfig {
	cfg := DefaultRateLimit()

	if v := getEnvFloat("FRAME_RATE_LIMIT", 0); v > 0 {
		cfg.FramesPerSecond = v
	}
	if v := getEnvInt("FRAME_BURST", 0); v > 0 {
		cfg.FrameBurst = v
	}
	if v := getEnvFloat("HTTP_RATE_LIMIT", 0); v > 0 {
		cfg.HTTPPerSecond = v
	}
	if v := getEnvInt("HTTP_BURST", 0); v > 0 {
		cfg.HTTPBurst = v
	}

	return cfg
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

// ObservabilityConfig configures the pprof/metrics debug server.
type ObservabilityConfig struct {
	DebugPort int    // 0 disables the debug server
	User      string // Basic auth, empty disables auth
	Pass      string
}

// DefaultObservability returns the default observability configuration.
func DefaultObservability() ObservabilityConfig {
	return ObservabilityConfig{DebugPort: 6060}
}

// ObservabilityFromEnv returns observability configuration with environment variable overrides.
func ObservabilityFromEnv() ObservabilityConfig {
	cfg := DefaultObservability()

	if v, ok := os.LookupEnv("DEBUG_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.DebugPort = p
		}
	}
	cfg.User = os.Getenv("DEBUG_USER")
	cfg.Pass = os.Getenv("DEBUG_PASS")

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server        ServerConfig
	Protocol      ProtocolConfig
	Transport     TransportConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Server:        ServerFromEnv(),
		Protocol:      ProtocolFromEnv(),
		Transport:     TransportFromEnv(),
		RateLimit:     RateLimitFromEnv(),
		Observability: ObservabilityFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
