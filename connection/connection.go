package connection

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	CloseNormal          = websocket.CloseNormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

const closeWriteTimeout = time.Second

// WSConn is one tunnel over a websocket. Reads return whole messages and
// must come from a single goroutine. Writes send one binary message each
// and are safe for concurrent use.
type WSConn struct {
	ID string

	conn *websocket.Conn

	writeMu sync.Mutex
	early   []byte

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps conn. early, when not empty, is returned by the first
// ReadMessage before anything is read from the websocket.
func New(id string, conn *websocket.Conn, early []byte) *WSConn {
	return &WSConn{
		ID:    id,
		conn:  conn,
		early: early,
		done:  make(chan struct{}),
	}
}

// ReadMessage returns the payload of the next data message.
func (wc *WSConn) ReadMessage() ([]byte, error) {
	if len(wc.early) != 0 {
		early := wc.early
		wc.early = nil
		return early, nil
	}

	_, data, err := wc.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	return data, nil
}

// WriteBinary sends data as one binary message.
func (wc *WSConn) WriteBinary(data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame with code and closes the websocket. Only the
// first call has an effect.
func (wc *WSConn) Close(code int, reason string) error {
	var err error
	wc.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(code, reason)
		_ = wc.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteTimeout))

		err = wc.conn.Close()
		close(wc.done)
	})

	return err
}

// Done is closed once the tunnel has been closed.
func (wc *WSConn) Done() <-chan struct{} {
	return wc.done
}

// IsNormalClose reports whether err is the peer ending the tunnel cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
