package tcp

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-zoox/logger"
)

// Dialer opens outbound streams. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type ConnectTarget struct {
	// Host may be a bracketed ipv6 literal.
	Host string
	Port int
	//
	ID      string
	Timeout time.Duration
}

func (t *ConnectTarget) Address() string {
	return net.JoinHostPort(strings.TrimSuffix(strings.TrimPrefix(t.Host, "["), "]"), strconv.Itoa(t.Port))
}

// Connect dials the target, giving up after cfg.Timeout when set.
func Connect(ctx context.Context, dialer Dialer, cfg *ConnectTarget) (net.Conn, error) {
	addr := cfg.Address()
	logger.Infof("[connection:tcp][%s] connect to: %s", cfg.ID, addr)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	return dialer.DialContext(ctx, "tcp", addr)
}
