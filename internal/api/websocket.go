package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"netsync/internal/transport"
)

const (
	// MaxWSConnectionsTotal is the maximum number of WebSocket peers allowed
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the maximum WebSocket peers per IP
	MaxWSConnectionsPerIP = 10
)

// WebSocketGateway upgrades /ws requests into transport peers on a hub.
// Frames are binary; see transport.WebSocketConn.
type WebSocketGateway struct {
	hub      *transport.Hub
	upgrader websocket.Upgrader
	maxTotal int

	// Connection limiting per IP
	limiter *ConnLimiter
}

// NewWebSocketGateway creates a gateway. maxTotal <= 0 uses
// MaxWSConnectionsTotal, maxPerIP <= 0 uses MaxWSConnectionsPerIP.
func NewWebSocketGateway(hub *transport.Hub, origins OriginPolicy, maxTotal, maxPerIP int) *WebSocketGateway {
	if maxTotal <= 0 {
		maxTotal = MaxWSConnectionsTotal
	}
	if maxPerIP <= 0 {
		maxPerIP = MaxWSConnectionsPerIP
	}
	return &WebSocketGateway{
		hub:      hub,
		maxTotal: maxTotal,
		limiter:  NewConnLimiter(maxPerIP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origins.Allowed(origin) {
					return true
				}

				// Log rejected origin for security monitoring
				log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
				RecordConnectionRejected("origin")
				return false
			},
		},
	}
}

// HandleWebSocket handles incoming WebSocket connections with DoS protection
func (g *WebSocketGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if total := g.hub.Count(); total >= g.maxTotal {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", total)
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if !g.limiter.Allow(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		g.limiter.Release(ip)
		return
	}

	conn, err := transport.ServeWebSocket(g.hub, ws, ip)
	if err != nil {
		log.Printf("⚠️ WebSocket peer from %s not attached: %v", ip, err)
		g.limiter.Release(ip)
		return
	}

	go func() {
		<-conn.Done()
		g.limiter.Release(ip)
	}()
}

// PeersFrom returns the live WebSocket peer count for ip
func (g *WebSocketGateway) PeersFrom(ip string) int {
	return g.limiter.Count(ip)
}
