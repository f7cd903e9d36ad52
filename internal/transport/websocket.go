package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netsync/internal/protocol"
)

const (
	wsWriteWait  = 2 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 256
)

// WebSocketConn carries every channel as binary messages, each holding one
// complete frame.
type WebSocketConn struct {
	handle protocol.Handle
	ws     *websocket.Conn
	hub    *Hub
	remote string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ServeWebSocket attaches an upgraded connection to hub and starts its pumps.
func ServeWebSocket(hub *Hub, ws *websocket.Conn, remote string) (*WebSocketConn, error) {
	c := &WebSocketConn{
		handle: protocol.NewHandle(),
		ws:     ws,
		hub:    hub,
		remote: remote,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	if err := hub.Attach(c); err != nil {
		ws.Close()
		return nil, err
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// DialWebSocket connects to a server's /ws endpoint.
func DialWebSocket(ctx context.Context, url string, hub *Hub) (*WebSocketConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return ServeWebSocket(hub, ws, url)
}

func (c *WebSocketConn) Handle() protocol.Handle { return c.handle }
func (c *WebSocketConn) RemoteAddr() string      { return c.remote }

// Send queues a frame for the write pump without blocking.
func (c *WebSocketConn) Send(_ protocol.Channel, frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("websocket %s: %w", c.handle, ErrNoRoute)
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("websocket %s: %w", c.handle, ErrSlowConsumer)
	}
}

// Done is closed once the connection has shut down.
func (c *WebSocketConn) Done() <-chan struct{} { return c.done }

// Close stops both pumps. Safe to call more than once.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *WebSocketConn) readPump() {
	defer c.hub.Detach(c.handle)

	c.ws.SetReadLimit(protocol.HeaderSize + protocol.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		ch, payload, err := protocol.DecodeFrame(data)
		if err != nil {
			c.hub.Malformed(c.handle, err)
			continue
		}
		c.hub.Deliver(c.handle, ch, payload)
	}
}

func (c *WebSocketConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
