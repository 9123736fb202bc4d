package doh

import (
	"context"
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/go-zoox/logger"
	"github.com/miekg/dns"
)

// Bridge carries DNS over a tunnel in UDP mode.
//
// FRAME (both directions, repeated):
//
//	LENGTH | DNS MESSAGE
//	  2    |   LENGTH
//
// Frames may be split or merged across tunnel messages. Each complete
// query is resolved over DoH on its own; answers are written back as one
// framed message each, in completion order.
type Bridge struct {
	ID string

	ctx    context.Context
	client *Client
	w      io.Writer

	pending []byte
	wg      sync.WaitGroup
}

// NewBridge creates a bridge that writes framed answers to w. w must be
// safe for concurrent use.
func NewBridge(ctx context.Context, id string, client *Client, w io.Writer) *Bridge {
	return &Bridge{
		ID:     id,
		ctx:    ctx,
		client: client,
		w:      w,
	}
}

// Write feeds tunnel payload into the bridge. It never blocks on DoH and
// must not be called concurrently.
func (b *Bridge) Write(p []byte) (int, error) {
	b.pending = append(b.pending, p...)

	for len(b.pending) >= 2 {
		length := int(binary.BigEndian.Uint16(b.pending[:2]))
		if len(b.pending) < 2+length {
			break
		}

		query := make([]byte, length)
		copy(query, b.pending[2:2+length])
		b.pending = b.pending[2+length:]

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.resolve(query)
		}()
	}

	return len(p), nil
}

// Wait blocks until every started query has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) resolve(query []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		logger.Errorf("[dns][session: %s] drop invalid query (%d bytes): %v", b.ID, len(query), err)
		return
	}

	logger.Debugf("[dns][session: %s] query %s", b.ID, describe(msg))

	answer, err := b.client.Exchange(b.ctx, query)
	if err != nil {
		logger.Errorf("[dns][session: %s] failed to resolve %s: %v", b.ID, describe(msg), err)
		return
	}

	if len(answer) > 0xffff {
		logger.Errorf("[dns][session: %s] drop oversized answer for %s (%d bytes)", b.ID, describe(msg), len(answer))
		return
	}

	frame := make([]byte, 2+len(answer))
	binary.BigEndian.PutUint16(frame, uint16(len(answer)))
	copy(frame[2:], answer)

	if _, err := b.w.Write(frame); err != nil {
		logger.Errorf("[dns][session: %s] failed to write answer for %s: %v", b.ID, describe(msg), err)
	}
}

func describe(msg *dns.Msg) string {
	names := make([]string, 0, len(msg.Question))
	for _, q := range msg.Question {
		names = append(names, q.Name+" "+dns.TypeToString[q.Qtype])
	}

	return strings.Join(names, ",")
}
