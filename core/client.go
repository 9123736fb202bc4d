package core

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-zoox/edgetunnel/network/tcp"
	"github.com/go-zoox/edgetunnel/proxy"
	"github.com/go-zoox/edgetunnel/relay"
	"github.com/go-zoox/edgetunnel/tunnel"
	"github.com/go-zoox/edgetunnel/user"
	"github.com/go-zoox/logger"
)

type Client interface {
	Run(ctx context.Context) error
}

type ClientConfig struct {
	// Server is the websocket endpoint, e.g. wss://example.com/?ed=2560.
	Server string `config:"server"`
	UUID   string `config:"uuid"`
	// Host overrides the Host header sent to the server.
	Host string `config:"host"`
	// SNI overrides the TLS server name.
	SNI         string `config:"sni"`
	Insecure    bool   `config:"insecure"`
	Fingerprint string `config:"fingerprint"`
	// Listen is the local address for both SOCKS5 and HTTP proxy clients.
	Listen string `config:"listen"`
	// HandshakeTimeout is in seconds.
	HandshakeTimeout int64 `config:"handshake_timeout"`

	// Listener is served instead of listening on Listen when set.
	Listener net.Listener
}

type client struct {
	server   string
	listen   string
	listener net.Listener

	proxy *proxy.Proxy
}

func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("server is required")
	}

	id := DefaultUUID
	listen := DefaultListen
	handshakeTimeout := tunnel.DefaultHandshakeTimeout

	if cfg.UUID != "" {
		id = cfg.UUID
	}
	if cfg.Listen != "" {
		listen = cfg.Listen
	}
	if cfg.HandshakeTimeout != 0 {
		handshakeTimeout = time.Duration(cfg.HandshakeTimeout) * time.Second
	}

	u, err := user.New(id)
	if err != nil {
		return nil, err
	}

	opener, err := tunnel.New(&tunnel.Config{
		URL:              cfg.Server,
		Host:             cfg.Host,
		SNI:              cfg.SNI,
		Insecure:         cfg.Insecure,
		Fingerprint:      cfg.Fingerprint,
		HandshakeTimeout: handshakeTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &client{
		server:   cfg.Server,
		listen:   listen,
		listener: cfg.Listener,
		proxy: proxy.New(&proxy.Config{
			User: u,
			Dial: func(ctx context.Context, id string) (relay.Tunnel, error) {
				t, err := opener.Open(ctx, id)
				if err != nil {
					return nil, err
				}

				return t, nil
			},
		}),
	}, nil
}

func (c *client) Run(ctx context.Context) error {
	listener := c.listener
	if listener == nil {
		var err error
		if listener, err = net.Listen("tcp", c.listen); err != nil {
			return fmt.Errorf("failed to listen at %s: %v", c.listen, err)
		}
	}

	logger.Infof("[client] remote: %s", c.server)
	logger.Infof("[client] socks5 proxy: socks5://%s", listener.Addr())
	logger.Infof("[client] http proxy: http://%s", listener.Addr())

	return tcp.Serve(ctx, &tcp.ServeConfig{
		Listener: listener,
		OnConn:   c.proxy.Serve,
	})
}
