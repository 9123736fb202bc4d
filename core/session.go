package core

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/edgetunnel/doh"
	"github.com/go-zoox/edgetunnel/network/tcp"
	"github.com/go-zoox/edgetunnel/protocol"
	"github.com/go-zoox/edgetunnel/relay"
	"github.com/go-zoox/edgetunnel/user"
	"github.com/go-zoox/logger"
)

// ErrConnect reports a destination that could not be reached.
var ErrConnect = errors.New("failed to connect destination")

type SessionState int32

const (
	StateAwaitingHeader SessionState = iota
	StateTCPConnecting
	StateUDPBridging
	StateRelaying
	StateRetryingNAT64
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateTCPConnecting:
		return "tcp_connecting"
	case StateUDPBridging:
		return "udp_bridging"
	case StateRelaying:
		return "relaying"
	case StateRetryingNAT64:
		return "retrying_nat64"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Resolver maps a hostname to a NAT64 literal. *doh.NAT64 satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (string, error)
}

type SessionConfig struct {
	User   user.User
	Dialer tcp.Dialer
	DNS    *doh.Client
	// NAT64 is asked for a fallback address when the destination gives
	// nothing back. Nil disables the retry.
	NAT64 Resolver

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Session serves one websocket tunnel on the server side.
type Session struct {
	ID string

	tunnel relay.Tunnel
	cfg    *SessionConfig

	state  atomic.Int32
	cancel context.CancelFunc
}

func NewSession(id string, tunnel relay.Tunnel, cfg *SessionConfig) *Session {
	return &Session{
		ID:     id,
		tunnel: tunnel,
		cfg:    cfg,
	}
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) transition(to SessionState) {
	from := SessionState(s.state.Swap(int32(to)))
	if from != to {
		logger.Debugf("[server][session: %s] %s -> %s", s.ID, from, to)
	}
}

func (s *Session) close(code int, reason string) {
	s.transition(StateClosed)
	s.tunnel.Close(code, reason)
}

// Run reads the tunnel header from the first message and serves the
// request until either end goes away or ctx is done. The tunnel is
// always closed when Run returns.
func (s *Session) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	stop := context.AfterFunc(ctx, func() {
		s.close(connection.CloseNormal, "")
	})
	defer stop()

	message, err := s.tunnel.ReadMessage()
	if err != nil {
		logger.Debugf("[server][session: %s] closed before header: %v", s.ID, err)
		s.close(connection.CloseNormal, "")
		return
	}

	request, err := protocol.Decode(message, s.cfg.User.ID())
	if err != nil {
		if errors.Is(err, protocol.ErrAuth) {
			logger.Warnf("[auth][session: %s] %v", s.ID, err)
		} else {
			logger.Warnf("[protocol][session: %s] %v", s.ID, err)
		}

		s.close(connection.ClosePolicyViolation, err.Error())
		return
	}

	logger.Infof("[server][session: %s] request %s", s.ID, request)

	payload := message[request.DataOffset:]
	writer := connection.NewPrefixWriter(s.tunnel, protocol.EncodeResponse(request.Version))

	if request.IsUDP() {
		s.serveUDP(ctx, request, payload, writer)
		return
	}

	s.serveTCP(ctx, request, payload, writer)
}

func (s *Session) serveUDP(ctx context.Context, request *protocol.Request, payload []byte, writer *connection.PrefixWriter) {
	if request.Port != DNSPort {
		logger.Warnf("[protocol][session: %s] udp is only supported for dns, got port %d", s.ID, request.Port)
		s.close(connection.ClosePolicyViolation, "UDP: only port 53")
		return
	}

	s.transition(StateUDPBridging)

	bridge := doh.NewBridge(ctx, s.ID, s.cfg.DNS, writer)
	bridge.Write(payload)

	s.transition(StateRelaying)
	for {
		message, err := s.tunnel.ReadMessage()
		if err != nil {
			logger.Debugf("[dns][session: %s] tunnel closed: %v", s.ID, err)
			break
		}

		bridge.Write(message)
	}

	s.close(connection.CloseNormal, "")
	s.cancel()
	bridge.Wait()
}

type outcome int

const (
	// outcomeEnded: the destination closed after sending data.
	outcomeEnded outcome = iota
	// outcomeEmpty: connect failed or the destination closed without data.
	outcomeEmpty
	outcomeIdle
	// outcomeFailed: the destination socket broke after data was delivered.
	outcomeFailed
	outcomeTunnelClosed
)

func (s *Session) serveTCP(ctx context.Context, request *protocol.Request, payload []byte, writer *connection.PrefixWriter) {
	s.transition(StateTCPConnecting)

	inbox := make(chan []byte)
	go s.readTunnel(ctx, inbox)

	result := s.connect(ctx, request.Address, request.Port, payload, writer, inbox)
	if result == outcomeEmpty && s.cfg.NAT64 != nil {
		s.transition(StateRetryingNAT64)

		literal, err := s.cfg.NAT64.Resolve(ctx, request.Address)
		if err != nil {
			logger.Errorf("[nat64][session: %s] retry failed: %v", s.ID, err)
			s.close(connection.CloseInternalError, "")
			return
		}

		logger.Infof("[nat64][session: %s] retry %s:%d", s.ID, literal, request.Port)
		result = s.connect(ctx, literal, request.Port, payload, writer, inbox)
	}

	switch result {
	case outcomeEmpty, outcomeFailed:
		s.close(connection.CloseInternalError, "")
	case outcomeIdle:
		if writer.Sent() {
			s.close(connection.CloseNormal, "")
		} else {
			s.close(connection.CloseInternalError, "")
		}
	default:
		s.close(connection.CloseNormal, "")
	}
}

// readTunnel hands client messages to whichever destination connection is
// current. The session ends when the client goes away.
func (s *Session) readTunnel(ctx context.Context, inbox chan<- []byte) {
	defer s.cancel()

	for {
		message, err := s.tunnel.ReadMessage()
		if err != nil {
			logger.Debugf("[server][session: %s] tunnel closed: %v", s.ID, err)
			return
		}

		select {
		case inbox <- message:
		case <-ctx.Done():
			return
		}
	}
}

// connect runs one destination attempt: dial, replay the first payload,
// then copy in both directions until the destination is done.
func (s *Session) connect(ctx context.Context, host string, port int, payload []byte, writer *connection.PrefixWriter, inbox <-chan []byte) outcome {
	conn, err := tcp.Connect(ctx, s.cfg.Dialer, &tcp.ConnectTarget{
		Host:    host,
		Port:    port,
		ID:      s.ID,
		Timeout: s.cfg.ConnectTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcomeTunnelClosed
		}

		logger.Warnf("[server][session: %s] %v %s:%d: %v", s.ID, ErrConnect, host, port, err)
		return outcomeEmpty
	}
	defer conn.Close()

	attempt, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(attempt, func() {
		conn.Close()
	})
	defer stop()

	s.transition(StateRelaying)

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			logger.Warnf("[server][session: %s] failed to write first payload to %s:%d: %v", s.ID, host, port, err)
			return outcomeEmpty
		}
	}

	go func() {
		for {
			select {
			case <-attempt.Done():
				return
			case message := <-inbox:
				if _, err := conn.Write(message); err != nil {
					logger.Debugf("[server][session: %s] client -> %s:%d stopped: %v", s.ID, host, port, err)
					cancel()
					return
				}

				// uploads count as activity too
				if s.cfg.IdleTimeout > 0 {
					conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
				}
			}
		}
	}()

	var delivered int64
	buf := make([]byte, chunkSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				logger.Debugf("[server][session: %s] %s:%d -> client stopped: %v", s.ID, host, port, werr)
				return outcomeTunnelClosed
			}
			delivered += int64(n)
		}

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return outcomeTunnelClosed
			case errors.Is(err, os.ErrDeadlineExceeded):
				logger.Warnf("[server][session: %s] %s:%d idle for %s", s.ID, host, port, s.cfg.IdleTimeout)
				return outcomeIdle
			case delivered == 0:
				logger.Infof("[server][session: %s] %s:%d closed without data", s.ID, host, port)
				return outcomeEmpty
			case !errors.Is(err, io.EOF):
				logger.Warnf("[server][session: %s] %s:%d failed after %d bytes: %v", s.ID, host, port, delivered, err)
				return outcomeFailed
			default:
				logger.Infof("[server][session: %s] %s:%d closed (received: %d)", s.ID, host, port, delivered)
				return outcomeEnded
			}
		}
	}
}
