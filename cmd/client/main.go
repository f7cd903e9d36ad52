// =============================================================================
// NETSYNC - CLIENT
// =============================================================================
// A headless client that connects to the replication server, mirrors the
// entities it is allowed to see and drives its avatar with wandering input.
//
// USAGE:
//   1. Start the server first: go run ./cmd/server
//   2. Then start clients:     go run ./cmd/client
//
// NETSYNC_TRANSPORT picks quic (default), ws or stream.
// =============================================================================
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/joho/godotenv"

	"netsync/internal/api"
	"netsync/internal/config"
	"netsync/internal/entity"
	"netsync/internal/protocol"
	"netsync/internal/replication"
	"netsync/internal/tickgate"
	"netsync/internal/transport"
)

func main() {
	// Load environment
	if err := godotenv.Load("../.env"); err != nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	}

	log.Println("🕹️ ================================")
	log.Println("🕹️  NETSYNC - CLIENT")
	log.Println("🕹️ ================================")

	appConfig := config.Load()
	protoCfg := appConfig.Protocol
	transportCfg := appConfig.Transport

	mode := getEnvWithDefault("NETSYNC_TRANSPORT", "quic")
	metrics := api.Metrics{}

	// One server, no inbound rate limit needed
	hub := transport.NewHub(transport.HubConfig{
		InboxSize:      protoCfg.InboxSize,
		MaxConnections: 1,
	}, metrics)

	ctx, err := replication.New(replication.Config{
		Role:              protocol.RoleClient,
		MaxCacheTicks:     protoCfg.MaxCacheTicks,
		CompressThreshold: protoCfg.CompressThreshold,
		MaxBatchBytes:     protoCfg.MaxBatchBytes,
	}, hub, metrics, metrics)
	if err != nil {
		log.Fatalf("❌ Failed to create replication context: %v", err)
	}
	if err := ctx.Freeze(); err != nil {
		log.Fatalf("❌ Failed to freeze registry: %v", err)
	}

	if port := getEnvInt("CLIENT_DEBUG_PORT", 0); port > 0 {
		api.StartDebugServer(api.ObservabilityConfig{
			Enabled:    true,
			ListenAddr: fmt.Sprintf("127.0.0.1:%d", port),
		})
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := &wanderer{tickRate: protoCfg.TickRate}
	ctx.OnUpdate(driver.update)

	ctx.OnCorrection(func(c tickgate.StartCorrection) {
		log.Printf("⏪ Correction: re-simulate ticks %d..%d", c.StartTick, c.LastTick)
		driver.resimulating = true
	})
	ctx.OnResync(func(c tickgate.StartCorrection) {
		log.Printf("⚠️ Resync needed: ticks %d..%d are no longer cached", c.StartTick, c.LastTick)
	})
	ctx.OnDisconnect(func(h protocol.Handle) {
		log.Printf("🔌 Server %s disconnected", h)
		stop()
	})

	if err := dial(runCtx, mode, transportCfg, hub); err != nil {
		log.Fatalf("❌ Connect failed: %v", err)
	}

	loop := replication.NewLoop(ctx, protoCfg.TickRate)
	loop.Start()

	// Status log (Stats is safe off the tick thread)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s := ctx.Stats()
				log.Printf("📊 tick=%d mirrors=%d gated=%d cache=%d corrections=%d resyncs=%d rtt=%v",
					s.Tick, s.Entities, s.BufferedSpawns, s.Cache.Snapshots, s.Corrections, s.Resyncs, s.RTTMillis)
			}
		}
	}()

	log.Println("✅ Client running! Press Ctrl+C to stop.")
	<-runCtx.Done()

	log.Println("🛑 Shutting down...")
	loop.Stop()
	hub.Close()
	log.Println("👋 Goodbye!")
}

// dial connects hub to the server over the selected substrate.
func dial(ctx context.Context, mode string, cfg config.TransportConfig, hub *transport.Hub) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch mode {
	case "quic":
		addr := getEnvWithDefault("SERVER_ADDR", "127.0.0.1:4433")
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return err
		}
		insecure := os.Getenv("TLS_INSECURE") != "false"
		conn, err := transport.DialQUIC(dialCtx, addr, transport.ClientTLSConfig(host, insecure), cfg.IdleTimeout, hub)
		if err != nil {
			return err
		}
		log.Printf("✅ Connected over QUIC to %s (%s)", conn.RemoteAddr(), conn.Handle())

	case "ws":
		url := getEnvWithDefault("SERVER_URL", "ws://127.0.0.1:3000/ws")
		conn, err := transport.DialWebSocket(dialCtx, url, hub)
		if err != nil {
			return err
		}
		log.Printf("✅ Connected over WebSocket to %s (%s)", url, conn.Handle())

	case "stream":
		conn, err := transport.DialStream(cfg.SocketPath, hub)
		if err != nil {
			return err
		}
		log.Printf("✅ Connected over %s (%s)", transport.GetPlatformAddress(cfg.SocketPath), conn.Handle())

	default:
		return fmt.Errorf("unknown transport %q (want quic, ws or stream)", mode)
	}
	return nil
}

// wanderer steers the owned avatar along a slowly turning heading and pings
// the server once per second.
type wanderer struct {
	tickRate     int
	tick         int
	heading      float64
	avatar       *replication.Mirror
	resimulating bool
}

func (w *wanderer) update(ctx *replication.Context) {
	w.tick++

	// Whatever this tick sends was produced while catching up.
	ctx.SetSubStep(w.resimulating)
	w.resimulating = false

	if w.avatar == nil {
		if owned := ctx.OwnedMirrors(); len(owned) > 0 {
			w.avatar = owned[0]
			log.Printf("🧍 Controlling avatar %d", w.avatar.ID)
		}
	} else if _, ok := ctx.Mirror(w.avatar.ID); !ok {
		w.avatar = nil
	}

	w.heading += 0.5 / float64(w.tickRate)
	in := replication.ClientInput{
		Move: mgl32.Vec2{float32(math.Sin(w.heading)), float32(math.Cos(w.heading))},
	}
	if w.avatar != nil {
		in.Focus = w.avatar.Spawn.Translation
		if v, ok := w.avatar.Updates.Get(entity.RootNode, replication.FieldTranslation); ok {
			if pos, ok := v.(entity.Vec3); ok {
				in.Focus = mgl32.Vec3(pos)
			}
		}
	}
	if err := ctx.SendInput(in); err != nil {
		log.Printf("⚠️ Input dropped: %v", err)
	}

	if w.tick%w.tickRate == 0 {
		ctx.Ping(protocol.Broadcast)
	}
}

func getEnvWithDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
