package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"netsync/internal/protocol"
)

// ALPN identifies the protocol during the QUIC handshake.
const ALPN = "netsync/1"

const (
	quicHandshakeTimeout = 5 * time.Second
	codeNormal           = quic.ApplicationErrorCode(0)
	codeProtocolError    = quic.ApplicationErrorCode(1)
)

func quicConfig(idle time.Duration) *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: idle / 3,
	}
}

// QUICListener accepts QUIC connections into a hub.
type QUICListener struct {
	listener *quic.Listener
	hub      *Hub
}

// ListenQUIC starts listening on addr. Call Serve to accept connections.
func ListenQUIC(addr string, tlsConf *tls.Config, idle time.Duration, hub *Hub) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(idle))
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}
	log.Printf("📡 QUIC listening on %s", ln.Addr())
	return &QUICListener{listener: ln, hub: hub}, nil
}

// Addr returns the bound address
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}

// Serve accepts connections until ctx is done.
func (l *QUICListener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			log.Printf("⚠️ QUIC accept error: %v", err)
			continue
		}
		go l.handshake(ctx, conn)
	}
}

// The client opens the ordered stream and writes an empty frame on it so
// the server can accept it.
func (l *QUICListener) handshake(ctx context.Context, conn quic.Connection) {
	hctx, cancel := context.WithTimeout(ctx, quicHandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		conn.CloseWithError(codeProtocolError, "no control stream")
		return
	}
	if _, _, err := protocol.ReadFrame(stream); err != nil {
		conn.CloseWithError(codeProtocolError, "bad hello")
		return
	}
	if _, err := newQUICConn(l.hub, conn, stream); err != nil {
		log.Printf("⚠️ QUIC connection from %s rejected: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(codeProtocolError, err.Error())
	}
}

// Close stops accepting connections.
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// DialQUIC connects to a QUIC server and attaches the connection to hub.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, idle time.Duration, hub *Hub) (*QUICConn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(idle))
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(codeProtocolError, "open stream")
		return nil, fmt.Errorf("open ordered stream: %w", err)
	}

	hello, err := protocol.Framer{}.EncodeFrame(protocol.ReliableOrdered, nil)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(stream, hello); err != nil {
		conn.CloseWithError(codeProtocolError, "hello")
		return nil, err
	}
	return newQUICConn(hub, conn, stream)
}

// QUICConn maps the three channels onto one QUIC connection: datagrams for
// unreliable, one bidirectional stream for reliable ordered, and a fresh
// unidirectional stream per frame for reliable unordered.
type QUICConn struct {
	handle  protocol.Handle
	conn    quic.Connection
	ordered quic.Stream
	hub     *Hub

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newQUICConn(hub *Hub, conn quic.Connection, ordered quic.Stream) (*QUICConn, error) {
	c := &QUICConn{
		handle:  protocol.NewHandle(),
		conn:    conn,
		ordered: ordered,
		hub:     hub,
	}
	if err := hub.Attach(c); err != nil {
		return nil, err
	}
	go c.readOrdered()
	go c.readDatagrams()
	go c.acceptUnordered()
	return c, nil
}

func (c *QUICConn) Handle() protocol.Handle { return c.handle }
func (c *QUICConn) RemoteAddr() string      { return c.conn.RemoteAddr().String() }

// Send writes frame on the path for channel.
func (c *QUICConn) Send(channel protocol.Channel, frame []byte) error {
	switch channel {
	case protocol.Unreliable:
		return c.conn.SendDatagram(frame)

	case protocol.ReliableOrdered:
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return protocol.WriteFrame(c.ordered, frame)

	case protocol.ReliableUnordered:
		stream, err := c.conn.OpenUniStream()
		if err != nil {
			return fmt.Errorf("open uni stream: %w", err)
		}
		if err := protocol.WriteFrame(stream, frame); err != nil {
			stream.CancelWrite(quic.StreamErrorCode(codeProtocolError))
			return err
		}
		return stream.Close()
	}
	return fmt.Errorf("%w: %d", protocol.ErrUnknownChannel, channel)
}

// Close closes the connection. Safe to call more than once.
func (c *QUICConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.CloseWithError(codeNormal, "")
	})
	return err
}

func (c *QUICConn) readOrdered() {
	defer c.hub.Detach(c.handle)
	for {
		ch, payload, err := protocol.ReadFrame(c.ordered)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-c.conn.Context().Done():
				default:
					log.Printf("⚠️ QUIC ordered stream from %s: %v", c.handle, err)
				}
			}
			return
		}
		c.hub.Deliver(c.handle, ch, payload)
	}
}

func (c *QUICConn) readDatagrams() {
	ctx := c.conn.Context()
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		ch, payload, err := protocol.DecodeFrame(data)
		if err != nil {
			c.hub.Malformed(c.handle, err)
			continue
		}
		c.hub.Deliver(c.handle, ch, payload)
	}
}

func (c *QUICConn) acceptUnordered() {
	ctx := c.conn.Context()
	for {
		stream, err := c.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func(s quic.ReceiveStream) {
			for {
				ch, payload, err := protocol.ReadFrame(s)
				if err != nil {
					if !errors.Is(err, io.EOF) {
						c.hub.Malformed(c.handle, err)
					}
					return
				}
				c.hub.Deliver(c.handle, ch, payload)
			}
		}(stream)
	}
}
