package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-zoox/logger"
)

type ServeConfig struct {
	Host string
	Port int
	// Listener is used instead of listening on Host:Port when set.
	Listener net.Listener
	OnConn   func(ctx context.Context, conn net.Conn)
}

// Serve accepts connections until ctx is done, handing each one to
// cfg.OnConn on its own goroutine.
func Serve(ctx context.Context, cfg *ServeConfig) error {
	listener := cfg.Listener
	if listener == nil {
		addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
		var err error
		if listener, err = net.Listen("tcp", addr); err != nil {
			return err
		}
	}
	logger.Info("listen tcp server at: %s", listener.Addr())

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			logger.Warnf("[tcp] failed to accept: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		logger.Debugf("[tcp] client connected from %s", conn.RemoteAddr())
		go cfg.OnConn(ctx, conn)
	}
}
