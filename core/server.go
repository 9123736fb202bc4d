package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/edgetunnel/doh"
	"github.com/go-zoox/edgetunnel/network/tcp"
	"github.com/go-zoox/edgetunnel/user"
	"github.com/go-zoox/fs"
	"github.com/go-zoox/logger"
	"github.com/go-zoox/zoox"
	zd "github.com/go-zoox/zoox/defaults"
	"github.com/gorilla/websocket"
)

const shutdownTimeout = 5 * time.Second

type Server interface {
	Run(ctx context.Context) error
	//
	Sessions() int64
	Descriptor(hostname string) *Descriptor
}

type ServerConfig struct {
	Host    string `config:"host"`
	Port    int64  `config:"port"`
	UUID    string `config:"uuid"`
	TLSCert string `config:"tls_cert"`
	TLSKey  string `config:"tls_key"`
	// DoH is the DNS-over-HTTPS endpoint for udp sessions and NAT64 lookups.
	DoH         string `config:"doh"`
	NAT64Prefix string `config:"nat64_prefix"`
	// DisableNAT64 turns off the NAT64 retry.
	DisableNAT64 bool `config:"disable_nat64"`
	// ConnectTimeout and IdleTimeout are in seconds.
	ConnectTimeout int64 `config:"connect_timeout"`
	IdleTimeout    int64 `config:"idle_timeout"`

	// Dialer opens destination connections. Defaults to a net.Dialer.
	Dialer tcp.Dialer
	// DNS replaces the DoH client built from DoH.
	DNS *doh.Client
	// Listener is served instead of listening on Host:Port when set.
	Listener net.Listener
}

type server struct {
	host     string
	port     int64
	user     user.User
	tlsCert  string
	tlsKey   string
	listener net.Listener

	app      *zoox.Application
	upgrader websocket.Upgrader
	session  *SessionConfig

	sessions atomic.Int64
}

func NewServer(cfg *ServerConfig) (Server, error) {
	host := DefaultHost
	var port int64 = DefaultPort
	id := DefaultUUID
	connectTimeout := DefaultConnectTimeout
	idleTimeout := DefaultIdleTimeout
	var dialer tcp.Dialer = &net.Dialer{}

	if cfg.Host != "" {
		host = cfg.Host
	}
	if cfg.Port != 0 {
		port = cfg.Port
	}
	if cfg.UUID != "" {
		id = cfg.UUID
	}
	if cfg.ConnectTimeout != 0 {
		connectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}
	if cfg.IdleTimeout != 0 {
		idleTimeout = time.Duration(cfg.IdleTimeout) * time.Second
	}
	if cfg.Dialer != nil {
		dialer = cfg.Dialer
	}

	u, err := user.New(id)
	if err != nil {
		return nil, err
	}

	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("tls cert and key must be set together")
	}
	for _, file := range []string{cfg.TLSCert, cfg.TLSKey} {
		if file != "" && !fs.IsExist(file) {
			return nil, fmt.Errorf("tls file not found at %s", file)
		}
	}

	dns := cfg.DNS
	if dns == nil {
		dns = doh.New(&doh.ClientConfig{
			Endpoint: cfg.DoH,
		})
	}

	var resolver Resolver
	if !cfg.DisableNAT64 {
		nat64, err := doh.NewNAT64(dns, cfg.NAT64Prefix)
		if err != nil {
			return nil, err
		}
		resolver = nat64
	}

	s := &server{
		host:     host,
		port:     port,
		user:     u,
		tlsCert:  cfg.TLSCert,
		tlsKey:   cfg.TLSKey,
		listener: cfg.Listener,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		session: &SessionConfig{
			User:           u,
			Dialer:         dialer,
			DNS:            dns,
			NAT64:          resolver,
			ConnectTimeout: connectTimeout,
			IdleTimeout:    idleTimeout,
		},
	}

	s.app = zd.Default()
	s.app.Get("/"+u.String(), s.serveDescriptor)
	s.app.Fallback(s.serveDiagnostic)

	return s, nil
}

func (s *server) isTLS() bool {
	return s.tlsCert != "" && s.tlsKey != ""
}

func (s *server) Sessions() int64 {
	return s.sessions.Load()
}

func (s *server) Descriptor(hostname string) *Descriptor {
	return &Descriptor{
		Hostname: hostname,
		Port:     s.port,
		UUID:     s.user.String(),
		TLS:      s.isTLS(),
		Path:     DefaultPath,
	}
}

// ServeHTTP upgrades websocket requests into tunnel sessions and leaves
// everything else to the http application.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	s.app.ServeHTTP(w, r)
}

func (s *server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	id := connection.GenerateID()

	var header http.Header
	var early []byte
	if protocol := r.Header.Get("Sec-WebSocket-Protocol"); protocol != "" {
		header = http.Header{"Sec-Websocket-Protocol": {protocol}}

		data, err := decodeEarlyData(protocol)
		if err != nil {
			logger.Debugf("[server][session: %s] ignore early data: %v", id, err)
		} else {
			early = data
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		logger.Warnf("[server][session: %s] failed to upgrade: %v", id, err)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	logger.Debugf("[server][session: %s] connected from %s (early data: %d bytes)", id, r.RemoteAddr, len(early))

	session := NewSession(id, connection.New(id, conn, early), s.session)
	session.Run(r.Context())

	logger.Debugf("[server][session: %s] disconnected", id)
}

func (s *server) serveDescriptor(ctx *zoox.Context) {
	descriptor := s.Descriptor(hostname(ctx.Request.Host))
	ctx.Data(http.StatusOK, "text/plain;charset=utf-8", []byte(descriptor.String()))
}

// serveDiagnostic answers every other plain request.
func (s *server) serveDiagnostic(ctx *zoox.Context) {
	body, _ := json.MarshalIndent(map[string]any{
		"host":     hostname(ctx.Request.Host),
		"path":     ctx.Request.URL.Path,
		"sessions": s.Sessions(),
	}, "", "  ")

	ctx.Data(http.StatusOK, "application/json;charset=utf-8", body)
}

func (s *server) Run(ctx context.Context) error {
	listener := s.listener
	if listener == nil {
		addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
		var err error
		if listener, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("failed to listen at %s: %v", addr, err)
		}
	}

	httpServer := &http.Server{
		Handler: s,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("[server] failed to shutdown: %v", err)
		}
	})
	defer stop()

	if s.isTLS() {
		logger.Infof("[server] mode: WSS (TLS)")
	} else {
		logger.Infof("[server] mode: WS (plain)")
	}
	logger.Infof("[server] started on %s", listener.Addr())
	logger.Infof("[server] uuid: %s", s.user)
	logger.Infof("[server] config: http://YOUR_IP:%d/%s", s.port, s.user)

	var err error
	if s.isTLS() {
		err = httpServer.ServeTLS(listener, s.tlsCert, s.tlsKey)
	} else {
		err = httpServer.Serve(listener)
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// decodeEarlyData reads base64url early data, padded or not. The standard
// alphabet is accepted too.
func decodeEarlyData(value string) ([]byte, error) {
	value = strings.NewReplacer("+", "-", "/", "_").Replace(strings.TrimRight(value, "="))
	return base64.RawURLEncoding.DecodeString(value)
}
