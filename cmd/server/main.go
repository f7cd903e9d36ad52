package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"netsync/internal/api"
	"netsync/internal/config"
	"netsync/internal/protocol"
	"netsync/internal/ratelimit"
	"netsync/internal/replication"
	"netsync/internal/transport"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  NETSYNC - REPLICATION SERVER")
	log.Println("🎮 ================================")

	// Load centralized configuration (SSOT - Single Source of Truth)
	appConfig := config.Load()
	protoCfg := appConfig.Protocol
	transportCfg := appConfig.Transport
	serverCfg := appConfig.Server
	limits := appConfig.RateLimit

	log.Printf("🎮 Config: %d TPS, %d tick cache, compress > %d bytes, batch <= %d bytes",
		protoCfg.TickRate, protoCfg.MaxCacheTicks, protoCfg.CompressThreshold, protoCfg.MaxBatchBytes)

	metrics := api.Metrics{}

	hub := transport.NewHub(transport.HubConfig{
		InboxSize:      protoCfg.InboxSize,
		MaxConnections: serverCfg.MaxConnections,
		RateLimit: ratelimit.Config{
			PerSecond: limits.FramesPerSecond,
			Burst:     limits.FrameBurst,
		},
	}, metrics)

	ctx, err := replication.New(replication.Config{
		Role:              protocol.RoleServer,
		MaxCacheTicks:     protoCfg.MaxCacheTicks,
		CompressThreshold: protoCfg.CompressThreshold,
		MaxBatchBytes:     protoCfg.MaxBatchBytes,
		InterestCellSize:  replication.DefaultInterestCellSize,
	}, hub, metrics, metrics)
	if err != nil {
		log.Fatalf("❌ Failed to create replication context: %v", err)
	}

	world := newArena(ctx, protoCfg.TickRate, time.Now().UnixNano())
	world.populate(getEnvInt("DRONES", 24))

	if err := ctx.Freeze(); err != nil {
		log.Fatalf("❌ Failed to freeze registry: %v", err)
	}

	// Start debug server
	if obs := appConfig.Observability; obs.DebugPort > 0 {
		if err := api.StartDebugServer(api.ObservabilityConfig{
			Enabled:       true,
			ListenAddr:    fmt.Sprintf("127.0.0.1:%d", obs.DebugPort),
			BasicAuthUser: obs.User,
			BasicAuthPass: obs.Pass,
		}); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// QUIC listener
	var quicListener *transport.QUICListener
	if transportCfg.QUICAddr != "" {
		tlsConf, err := transport.ServerTLSConfig(transportCfg.TLSCertFile, transportCfg.TLSKeyFile)
		if err != nil {
			log.Fatalf("❌ TLS setup failed: %v", err)
		}
		quicListener, err = transport.ListenQUIC(transportCfg.QUICAddr, tlsConf, transportCfg.IdleTimeout, hub)
		if err != nil {
			log.Fatalf("❌ QUIC listen failed: %v", err)
		}
		go func() {
			if err := quicListener.Serve(runCtx); err != nil {
				log.Printf("⚠️ QUIC listener stopped: %v", err)
			}
		}()
	}

	// Local stream socket
	var streamListener *transport.StreamListener
	if transportCfg.SocketPath != "" {
		streamListener, err = transport.ListenStream(transportCfg.SocketPath, hub)
		if err != nil {
			log.Fatalf("❌ Stream listen failed: %v", err)
		}
		go func() {
			if err := streamListener.Serve(runCtx); err != nil {
				log.Printf("⚠️ Stream listener stopped: %v", err)
			}
		}()
	}

	// HTTP API + WebSocket peers
	server := api.NewServer(api.ServerConfig{
		Context:  ctx,
		Registry: ctx.Table(),
		Hub:      hub,
		RateLimit: ratelimit.Config{
			PerSecond: limits.HTTPPerSecond,
			Burst:     limits.HTTPBurst,
		},
		AllowedOrigins: serverCfg.AllowedOrigins,
		MaxConnections: serverCfg.MaxConnections,
	})

	go func() {
		addr := ":" + strconv.Itoa(serverCfg.Port)
		log.Printf("🌐 API server on http://localhost%s", addr)
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	loop := replication.NewLoop(ctx, protoCfg.TickRate)
	loop.Start()

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-runCtx.Done()

	log.Println("🛑 Shutting down...")
	loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}
	if quicListener != nil {
		quicListener.Close()
	}
	if streamListener != nil {
		streamListener.Close()
	}
	hub.Close()
	log.Println("👋 Goodbye!")
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
