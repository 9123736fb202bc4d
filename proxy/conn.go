package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/edgetunnel/protocol"
	"github.com/go-zoox/edgetunnel/relay"
	"github.com/go-zoox/logger"
)

// tunnelConn is a net.Conn over an opened tunnel. Reads drop the response
// header of the first message; every write is one message.
type tunnelConn struct {
	id     string
	target string
	tunnel relay.Tunnel

	stripper *relay.Stripper
	pending  []byte

	sent     atomic.Int64
	received atomic.Int64

	closed atomic.Bool
	once   sync.Once
}

func newTunnelConn(id, target string, tunnel relay.Tunnel) *tunnelConn {
	return &tunnelConn{
		id:       id,
		target:   target,
		tunnel:   tunnel,
		stripper: relay.NewStripper(protocol.ResponseLength),
	}
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		message, err := c.tunnel.ReadMessage()
		if err != nil {
			if c.closed.Load() || connection.IsNormalClose(err) || errors.Is(err, net.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}

		c.pending = c.stripper.Strip(message)
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	c.received.Add(int64(n))
	return n, nil
}

func (c *tunnelConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := c.tunnel.WriteBinary(p); err != nil {
		return 0, err
	}

	c.sent.Add(int64(len(p)))
	return len(p), nil
}

func (c *tunnelConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.tunnel.Close(connection.CloseNormal, "")
		logger.Infof("[proxy][connection: %s] %s closed (sent: %d, received: %d)", c.id, c.target, c.sent.Load(), c.received.Load())
	})

	return nil
}

// CloseWrite ends the tunnel: a websocket has no half close.
func (c *tunnelConn) CloseWrite() error {
	return c.Close()
}

// LocalAddr is the bind address of the socks5 success reply.
func (c *tunnelConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *tunnelConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *tunnelConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *tunnelConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *tunnelConn) SetWriteDeadline(t time.Time) error {
	return nil
}
