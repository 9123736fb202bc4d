// Package tunnel opens client-side websocket tunnels to the edge server.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/logger"
	"github.com/gorilla/websocket"
)

// ErrConnect reports a websocket handshake that failed or timed out.
var ErrConnect = errors.New("failed to open tunnel")

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Opener opens one websocket per proxied connection.
type Opener interface {
	Open(ctx context.Context, id string) (*connection.WSConn, error)
}

type Config struct {
	// URL is the websocket endpoint, e.g. wss://example.com:443/?ed=2560.
	URL string
	// Host overrides the Host header. Empty means the URL host.
	Host string
	// SNI overrides the TLS server name. Empty means the URL hostname.
	SNI string
	// Insecure skips TLS certificate verification.
	Insecure bool
	// Fingerprint selects the TLS ClientHello: "" for crypto/tls,
	// "randomized" for a uTLS randomized hello.
	Fingerprint string

	UserAgent        string
	HandshakeTimeout time.Duration
}

type opener struct {
	url     string
	header  http.Header
	timeout time.Duration
	dialer  *websocket.Dialer
}

func New(cfg *Config) (Opener, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url(%s): %v", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid server url scheme(%s), only support ws/wss", u.Scheme)
	}

	timeout := DefaultHandshakeTimeout
	if cfg.HandshakeTimeout != 0 {
		timeout = cfg.HandshakeTimeout
	}

	sni := u.Hostname()
	if cfg.SNI != "" {
		sni = cfg.SNI
	}

	userAgent := DefaultUserAgent
	if cfg.UserAgent != "" {
		userAgent = cfg.UserAgent
	}

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	if cfg.Host != "" {
		header.Set("Host", cfg.Host)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig: &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: cfg.Insecure,
		},
	}

	switch cfg.Fingerprint {
	case "", "none":
	case "randomized":
		dialer.NetDialTLSContext = dialUTLS(sni, cfg.Insecure)
	default:
		return nil, fmt.Errorf("unsupported fingerprint(%s), only support randomized", cfg.Fingerprint)
	}

	return &opener{
		url:     u.String(),
		header:  header,
		timeout: timeout,
		dialer:  dialer,
	}, nil
}

func (o *opener) Open(ctx context.Context, id string) (*connection.WSConn, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	logger.Debugf("[tunnel][connection: %s] dial %s", id, o.url)

	conn, response, err := o.dialer.DialContext(ctx, o.url, o.header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("%w: %v (status: %d)", ErrConnect, err, response.StatusCode)
		}

		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	return connection.New(id, conn, nil), nil
}
