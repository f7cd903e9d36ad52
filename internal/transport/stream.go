package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"netsync/internal/protocol"
)

// Connection settings for stream sockets
const (
	StreamWriteTimeout = 50 * time.Millisecond
	ReconnectDelay     = 500 * time.Millisecond
	MaxReconnects      = 20
)

// StreamListener serves frames over a local stream socket: a Unix domain
// socket on Linux/macOS, TCP on localhost on Windows. Every channel shares
// the one ordered stream.
type StreamListener struct {
	path     string
	listener net.Listener
	hub      *Hub
	running  atomic.Bool
}

// ListenStream creates the platform listener at path.
func ListenStream(path string, hub *Hub) (*StreamListener, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	ln, err := CreatePlatformListener(path)
	if err != nil {
		return nil, err
	}
	l := &StreamListener{path: path, listener: ln, hub: hub}
	l.running.Store(true)
	log.Printf("📡 Stream socket listening on %s", GetPlatformAddress(path))
	return l, nil
}

// Serve accepts connections until ctx is done or Close is called.
func (l *StreamListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for l.running.Load() {
		conn, err := l.listener.Accept()
		if err != nil {
			if !l.running.Load() {
				return nil // Expected during shutdown
			}
			log.Printf("⚠️ Stream accept error: %v", err)
			continue
		}
		if _, err := ServeStream(l.hub, conn); err != nil {
			log.Printf("⚠️ Stream connection from %s rejected: %v", conn.RemoteAddr(), err)
		}
	}
	return nil
}

// Close stops the listener and removes the socket file.
func (l *StreamListener) Close() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}
	err := l.listener.Close()
	CleanupSocket(l.path)
	return err
}

// CleanupSocket removes the socket file if it exists
func CleanupSocket(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.Remove(path)
	}
	return nil
}

// DialStream connects to a stream listener with retries.
func DialStream(path string, hub *Hub) (*StreamConn, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	var lastErr error
	for i := 0; i < MaxReconnects; i++ {
		conn, err := ConnectPlatform(path)
		if err == nil {
			return ServeStream(hub, conn)
		}
		lastErr = err
		time.Sleep(ReconnectDelay)
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", MaxReconnects, lastErr)
}

// StreamConn is one peer on a stream socket.
type StreamConn struct {
	handle protocol.Handle
	conn   net.Conn
	hub    *Hub

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ServeStream attaches conn to hub and starts its read loop.
func ServeStream(hub *Hub, conn net.Conn) (*StreamConn, error) {
	c := &StreamConn{
		handle: protocol.NewHandle(),
		conn:   conn,
		hub:    hub,
	}
	if err := hub.Attach(c); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *StreamConn) Handle() protocol.Handle { return c.handle }
func (c *StreamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// Send writes frame with a short deadline so a stalled peer cannot hold up
// the tick thread.
func (c *StreamConn) Send(_ protocol.Channel, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(StreamWriteTimeout))
	return protocol.WriteFrame(c.conn, frame)
}

// Close closes the socket. Safe to call more than once.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *StreamConn) readLoop() {
	defer c.hub.Detach(c.handle)
	for {
		ch, payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.hub.Malformed(c.handle, err)
			}
			return
		}
		c.hub.Deliver(c.handle, ch, payload)
	}
}
