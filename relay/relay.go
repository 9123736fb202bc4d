// Package relay pumps bytes between a local connection and a tunnel.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/edgetunnel/protocol"
	"github.com/go-zoox/logger"
)

const chunkSize = 32 * 1024

// Tunnel is the message side of a relay.
type Tunnel interface {
	ReadMessage() ([]byte, error)
	WriteBinary(data []byte) error
	Close(code int, reason string) error
}

// Stats counts payload bytes moved by one relay.
type Stats struct {
	// Sent is local -> tunnel.
	Sent int64
	// Received is tunnel -> local, response header excluded.
	Received int64
}

// Relay copies local -> tunnel (one message per chunk read) and
// tunnel -> local (dropping the response header of the first message)
// until either side ends or ctx is done. Both ends are closed exactly once
// and Relay returns after both directions have stopped.
func Relay(ctx context.Context, id string, local net.Conn, tunnel Tunnel) Stats {
	var sent, received atomic.Int64

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			local.Close()
			tunnel.Close(connection.CloseNormal, "")
		})
	}

	stop := context.AfterFunc(ctx, teardown)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer teardown()

		stripper := NewStripper(protocol.ResponseLength)
		for {
			message, err := tunnel.ReadMessage()
			if err != nil {
				logDone(id, "tunnel -> local", err)
				return
			}

			payload := stripper.Strip(message)
			if len(payload) == 0 {
				continue
			}

			if _, err := local.Write(payload); err != nil {
				logDone(id, "tunnel -> local", err)
				return
			}
			received.Add(int64(len(payload)))
		}
	}()

	go func() {
		defer wg.Done()
		defer teardown()

		buf := make([]byte, chunkSize)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				if werr := tunnel.WriteBinary(buf[:n]); werr != nil {
					logDone(id, "local -> tunnel", werr)
					return
				}
				sent.Add(int64(n))
			}

			if err != nil {
				logDone(id, "local -> tunnel", err)
				return
			}
		}
	}()

	wg.Wait()

	return Stats{
		Sent:     sent.Load(),
		Received: received.Load(),
	}
}

func logDone(id, direction string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || connection.IsNormalClose(err) {
		logger.Debugf("[relay][connection: %s] %s closed", id, direction)
		return
	}

	logger.Debugf("[relay][connection: %s] %s stopped: %v", id, direction, err)
}
