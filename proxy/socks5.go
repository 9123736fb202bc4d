package proxy

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"time"

	"github.com/armon/go-socks5"
	"github.com/go-zoox/logger"
)

// errTunnelUnavailable keeps the failure reply at "host unreachable" no
// matter what the tunnel error says.
var errTunnelUnavailable = errors.New("tunnel unavailable")

// remoteResolver leaves domains unresolved so the edge server looks them
// up.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// logWriter sends the socks5 server log to the connection log.
type logWriter string

func (id logWriter) Write(p []byte) (int, error) {
	logger.Debugf("[socks5][connection: %s] %s", string(id), strings.TrimSpace(string(p)))
	return len(p), nil
}

// socksConn ends the whole local connection once the tunnel is done.
type socksConn struct {
	*peekedConn
}

func (c *socksConn) CloseWrite() error {
	return c.Close()
}

// serveSocks5 replies to the CONNECT only after the tunnel is open, so a
// failed tunnel is reported with a failure reply instead of a bare close.
func (p *Proxy) serveSocks5(ctx context.Context, id string, conn *peekedConn) {
	server, err := socks5.New(&socks5.Config{
		Resolver: remoteResolver{},
		Rules:    &socks5.PermitCommand{EnableConnect: true},
		Logger:   log.New(logWriter(id), "", 0),
		Dial: func(_ context.Context, network, addr string) (net.Conn, error) {
			return p.dialSocks5(ctx, id, conn, addr)
		},
	})
	if err != nil {
		logger.Errorf("[socks5][connection: %s] failed to create server: %v", id, err)
		return
	}

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := server.ServeConn(&socksConn{conn}); err != nil {
		logger.Debugf("[socks5][connection: %s] done: %v", id, err)
	}
}

func (p *Proxy) dialSocks5(ctx context.Context, id string, conn *peekedConn, addr string) (net.Conn, error) {
	host, port, err := splitHostPort(addr, 0)
	if err != nil {
		logger.Warnf("[socks5][connection: %s] invalid target(%s): %v", id, addr, err)
		return nil, errTunnelUnavailable
	}

	logger.Infof("[socks5][connection: %s] connect to %s", id, addr)

	tunnel, err := p.open(ctx, id, host, port, nil, nil)
	if err != nil {
		logger.Errorf("[socks5][connection: %s] failed to connect to %s: %v", id, addr, err)
		return nil, errTunnelUnavailable
	}

	conn.SetDeadline(time.Time{})
	return newTunnelConn(id, addr, tunnel), nil
}
