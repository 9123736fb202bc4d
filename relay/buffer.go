package relay

import (
	"io"
	"net"
	"sync"
)

// maxPendingChunks bounds how much a BufferedConn reads ahead.
const maxPendingChunks = 64

// BufferedConn reads its connection in the background from the moment it
// is created, so bytes the peer sends while a tunnel is still opening are
// held instead of waiting in the kernel. Drain takes everything read so
// far without blocking; Read continues from where Drain stopped.
type BufferedConn struct {
	net.Conn

	chunks chan []byte
	err    error
	rest   []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Buffer starts reading conn in the background.
func Buffer(conn net.Conn) *BufferedConn {
	c := &BufferedConn{
		Conn:   conn,
		chunks: make(chan []byte, maxPendingChunks),
		done:   make(chan struct{}),
	}

	go c.fill()

	return c
}

func (c *BufferedConn) fill() {
	defer close(c.chunks)

	for {
		buf := make([]byte, chunkSize)
		n, err := c.Conn.Read(buf)
		if n > 0 {
			select {
			case c.chunks <- buf[:n]:
			case <-c.done:
				c.err = net.ErrClosed
				return
			}
		}

		if err != nil {
			c.err = err
			return
		}
	}
}

// Drain returns the bytes read so far and not yet consumed.
func (c *BufferedConn) Drain() []byte {
	out := c.rest
	c.rest = nil

	for {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				return out
			}
			out = append(out, chunk...)
		default:
			return out
		}
	}
}

// Read returns at most one background chunk per call.
func (c *BufferedConn) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		chunk, ok := <-c.chunks
		if !ok {
			if c.err == nil {
				return 0, io.EOF
			}
			return 0, c.err
		}
		c.rest = chunk
	}

	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *BufferedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})

	return err
}
