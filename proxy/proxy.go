// Package proxy serves SOCKS5 and HTTP proxy clients on one port and
// carries each accepted connection through its own tunnel.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/edgetunnel/protocol"
	"github.com/go-zoox/edgetunnel/relay"
	"github.com/go-zoox/edgetunnel/user"
	"github.com/go-zoox/logger"
)

// DefaultHandshakeTimeout bounds the local proxy handshake.
const DefaultHandshakeTimeout = 30 * time.Second

// Kind is the proxy protocol detected from the first byte.
type Kind int

const (
	KindUnknown Kind = iota
	KindSocks5
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindSocks5:
		return "socks5"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Sniff maps the first byte of a connection to a proxy protocol: 0x05 is
// SOCKS5, an upper-case ASCII letter starts an HTTP method.
func Sniff(b byte) Kind {
	switch {
	case b == 0x05:
		return KindSocks5
	case b >= 'A' && b <= 'Z':
		return KindHTTP
	default:
		return KindUnknown
	}
}

// Dialer opens a tunnel for one proxied connection. The tunnel has not
// carried any message yet.
type Dialer func(ctx context.Context, id string) (relay.Tunnel, error)

type Config struct {
	User user.User
	Dial Dialer

	HandshakeTimeout time.Duration
}

type Proxy struct {
	user             user.User
	dial             Dialer
	handshakeTimeout time.Duration
}

func New(cfg *Config) *Proxy {
	handshakeTimeout := DefaultHandshakeTimeout
	if cfg.HandshakeTimeout != 0 {
		handshakeTimeout = cfg.HandshakeTimeout
	}

	return &Proxy{
		user:             cfg.User,
		dial:             cfg.Dial,
		handshakeTimeout: handshakeTimeout,
	}
}

// peekedConn reads through the bufio.Reader used for sniffing so that no
// sniffed byte is lost.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// head takes the bytes already buffered past the parsed handshake.
func (c *peekedConn) head() []byte {
	n := c.r.Buffered()
	if n == 0 {
		return nil
	}

	head := make([]byte, n)
	c.r.Read(head)
	return head
}

// Serve sniffs conn and hands it to the matching handler. It returns once
// the connection is finished; conn is always closed.
func (p *Proxy) Serve(ctx context.Context, conn net.Conn) {
	id := connection.GenerateID()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(p.handshakeTimeout))

	r := bufio.NewReader(conn)
	first, err := r.Peek(1)
	if err != nil {
		logger.Debugf("[proxy][connection: %s] closed before first byte: %v", id, err)
		return
	}

	pc := &peekedConn{Conn: conn, r: r}

	switch kind := Sniff(first[0]); kind {
	case KindSocks5:
		p.serveSocks5(ctx, id, pc)
	case KindHTTP:
		p.serveHTTP(ctx, id, pc)
	default:
		logger.Warnf("[proxy][connection: %s] unknown protocol (first byte: 0x%02x) from %s", id, first[0], conn.RemoteAddr())
	}
}

// open dials a tunnel to host:port and sends header || head || whatever
// local has buffered so far as its first message.
func (p *Proxy) open(ctx context.Context, id, host string, port int, head []byte, local *relay.BufferedConn) (relay.Tunnel, error) {
	header, err := protocol.EncodeRequest(p.user.ID(), host, port)
	if err != nil {
		return nil, err
	}

	tunnel, err := p.dial(ctx, id)
	if err != nil {
		return nil, err
	}

	first := append(header, head...)
	if local != nil {
		first = append(first, local.Drain()...)
	}

	if err := tunnel.WriteBinary(first); err != nil {
		tunnel.Close(connection.CloseInternalError, "")
		return nil, fmt.Errorf("failed to send tunnel header: %v", err)
	}

	return tunnel, nil
}

func (p *Proxy) relay(ctx context.Context, id, target string, local net.Conn, tunnel relay.Tunnel) {
	stats := relay.Relay(ctx, id, local, tunnel)
	logger.Infof("[proxy][connection: %s] %s closed (sent: %d, received: %d)", id, target, stats.Sent, stats.Received)
}
