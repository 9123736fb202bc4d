package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/edgetunnel/doh"
	"github.com/go-zoox/edgetunnel/protocol"
	"github.com/go-zoox/edgetunnel/user"
	"github.com/miekg/dns"
)

var testUser = user.MustNew("55a95ae1-4ae8-4461-8484-457279821b40")

const nat64Literal = "[64:ff9b::7f00:1]"

// fakeTunnel plays the client end of a tunnel.
type fakeTunnel struct {
	in chan []byte

	mu       sync.Mutex
	messages [][]byte
	code     int
	reason   string

	hangupOnce sync.Once
	gone       chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
}

func newFakeTunnel(messages ...[]byte) *fakeTunnel {
	t := &fakeTunnel{
		in:     make(chan []byte, 16),
		gone:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	for _, message := range messages {
		t.in <- message
	}

	return t
}

func (t *fakeTunnel) ReadMessage() ([]byte, error) {
	select {
	case message := <-t.in:
		return message, nil
	case <-t.gone:
		return nil, io.EOF
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *fakeTunnel) WriteBinary(data []byte) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, append([]byte(nil), data...))
	return nil
}

func (t *fakeTunnel) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.code = code
		t.reason = reason
		t.mu.Unlock()
		close(t.closed)
	})

	return nil
}

// hangup simulates the client going away.
func (t *fakeTunnel) hangup() {
	t.hangupOnce.Do(func() {
		close(t.gone)
	})
}

func (t *fakeTunnel) Messages() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([][]byte(nil), t.messages...)
}

func (t *fakeTunnel) Code() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.code
}

// routeDialer sends each address to a fixed local address and records
// every dial.
type routeDialer struct {
	mu     sync.Mutex
	routes map[string]string
	dialed []string
	dialer net.Dialer
}

func (d *routeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	target, ok := d.routes[address]
	d.mu.Unlock()

	if !ok {
		return nil, errors.New("connection refused")
	}

	return d.dialer.DialContext(ctx, network, target)
}

func (d *routeDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.dialed...)
}

type fakeResolver struct {
	mu      sync.Mutex
	domains []string
	err     error
}

func (r *fakeResolver) Resolve(ctx context.Context, domain string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.domains = append(r.domains, domain)
	if r.err != nil {
		return "", r.err
	}

	return nat64Literal, nil
}

func (r *fakeResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.domains)
}

// serveOnce accepts one connection and hands it to handler.
func serveOnce(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		handler(conn)
	}()

	return listener.Addr().String()
}

func requestMessage(t *testing.T, host string, port int, payload string) []byte {
	t.Helper()

	header, err := protocol.EncodeRequest(testUser.ID(), host, port)
	if err != nil {
		t.Fatalf("failed to encode request: %s", err)
	}

	return append(header, payload...)
}

func runSession(t *testing.T, tunnel *fakeTunnel, cfg *SessionConfig) *Session {
	t.Helper()

	session := NewSession("test", tunnel, cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish")
	}

	return session
}

func sessionConfig(dialer *routeDialer, resolver Resolver) *SessionConfig {
	return &SessionConfig{
		User:           testUser,
		Dialer:         dialer,
		NAT64:          resolver,
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Second,
	}
}

func TestSessionRelaysTCP(t *testing.T) {
	received := make(chan string, 1)
	addr := serveOnce(t, func(conn net.Conn) {
		buf := make([]byte, 4)
		io.ReadFull(conn, buf)
		received <- string(buf)
		conn.Write([]byte("pong"))
	})

	dialer := &routeDialer{routes: map[string]string{"example.com:80": addr}}
	resolver := &fakeResolver{}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, "ping"))

	session := runSession(t, tunnel, sessionConfig(dialer, resolver))

	if got := <-received; got != "ping" {
		t.Fatalf("first payload not match, expect %s, but got %s", "ping", got)
	}

	messages := tunnel.Messages()
	if len(messages) != 1 {
		t.Fatalf("messages not match, expect %d, but got %d", 1, len(messages))
	}
	if !bytes.Equal(messages[0], []byte("\x00\x00pong")) {
		t.Fatalf("first message not match, expect %q, but got %q", "\x00\x00pong", messages[0])
	}
	if tunnel.Code() != connection.CloseNormal {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseNormal, tunnel.Code())
	}
	if resolver.Calls() != 0 {
		t.Fatalf("nat64 calls not match, expect %d, but got %d", 0, resolver.Calls())
	}
	if session.State() != StateClosed {
		t.Fatalf("state not match, expect %s, but got %s", StateClosed, session.State())
	}
}

func TestSessionPrefixesOnlyFirstMessage(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) {
		conn.Write([]byte("one"))
		time.Sleep(50 * time.Millisecond)
		conn.Write([]byte("two"))
	})

	dialer := &routeDialer{routes: map[string]string{"example.com:80": addr}}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, ""))

	runSession(t, tunnel, sessionConfig(dialer, &fakeResolver{}))

	messages := tunnel.Messages()
	if len(messages) != 2 {
		t.Fatalf("messages not match, expect %d, but got %d", 2, len(messages))
	}
	if string(messages[0]) != "\x00\x00one" {
		t.Fatalf("first message not match, expect %q, but got %q", "\x00\x00one", messages[0])
	}
	if string(messages[1]) != "two" {
		t.Fatalf("second message not match, expect %q, but got %q", "two", messages[1])
	}
}

func TestSessionForwardsClientMessages(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) {
		io.Copy(conn, conn)
	})

	dialer := &routeDialer{routes: map[string]string{"example.com:80": addr}}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, "a"), []byte("b"))

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			var echoed []byte
			for _, message := range tunnel.Messages() {
				echoed = append(echoed, message...)
			}
			if string(echoed) == "\x00\x00ab" {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		tunnel.hangup()
	}()

	runSession(t, tunnel, sessionConfig(dialer, &fakeResolver{}))

	var echoed []byte
	for _, message := range tunnel.Messages() {
		echoed = append(echoed, message...)
	}
	if string(echoed) != "\x00\x00ab" {
		t.Fatalf("echo not match, expect %q, but got %q", "\x00\x00ab", echoed)
	}
}

func TestSessionRetriesNAT64AfterEmptyClose(t *testing.T) {
	first := serveOnce(t, func(conn net.Conn) {})

	replayed := make(chan string, 1)
	second := serveOnce(t, func(conn net.Conn) {
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		replayed <- string(buf)
		conn.Write([]byte("ok"))
	})

	dialer := &routeDialer{routes: map[string]string{
		"example.com:80":       first,
		"[64:ff9b::7f00:1]:80": second,
	}}
	resolver := &fakeResolver{}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, "hello"))

	runSession(t, tunnel, sessionConfig(dialer, resolver))

	dialed := dialer.Dialed()
	if len(dialed) != 2 || dialed[1] != "[64:ff9b::7f00:1]:80" {
		t.Fatalf("dialed not match, expect %v, but got %v", []string{"example.com:80", "[64:ff9b::7f00:1]:80"}, dialed)
	}
	if resolver.Calls() != 1 || resolver.domains[0] != "example.com" {
		t.Fatalf("nat64 lookups not match, expect %v, but got %v", []string{"example.com"}, resolver.domains)
	}
	if got := <-replayed; got != "hello" {
		t.Fatalf("replayed payload not match, expect %s, but got %s", "hello", got)
	}

	messages := tunnel.Messages()
	if len(messages) != 1 || string(messages[0]) != "\x00\x00ok" {
		t.Fatalf("messages not match, expect %q, but got %q", "\x00\x00ok", messages)
	}
	if tunnel.Code() != connection.CloseNormal {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseNormal, tunnel.Code())
	}
}

func TestSessionRetriesNAT64AfterConnectFailure(t *testing.T) {
	second := serveOnce(t, func(conn net.Conn) {
		conn.Write([]byte("ok"))
	})

	dialer := &routeDialer{routes: map[string]string{"[64:ff9b::7f00:1]:443": second}}
	resolver := &fakeResolver{}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 443, ""))

	runSession(t, tunnel, sessionConfig(dialer, resolver))

	if len(dialer.Dialed()) != 2 {
		t.Fatalf("dials not match, expect %d, but got %d", 2, len(dialer.Dialed()))
	}
	if tunnel.Code() != connection.CloseNormal {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseNormal, tunnel.Code())
	}
}

func TestSessionNoRetryAfterData(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) {
		conn.Write([]byte("x"))
	})

	dialer := &routeDialer{routes: map[string]string{"example.com:80": addr}}
	resolver := &fakeResolver{}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, ""))

	runSession(t, tunnel, sessionConfig(dialer, resolver))

	if resolver.Calls() != 0 {
		t.Fatalf("nat64 calls not match, expect %d, but got %d", 0, resolver.Calls())
	}
	if len(dialer.Dialed()) != 1 {
		t.Fatalf("dials not match, expect %d, but got %d", 1, len(dialer.Dialed()))
	}
	if tunnel.Code() != connection.CloseNormal {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseNormal, tunnel.Code())
	}
}

func TestSessionRetryAtMostOnce(t *testing.T) {
	dialer := &routeDialer{routes: map[string]string{}}
	resolver := &fakeResolver{}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, "hello"))

	runSession(t, tunnel, sessionConfig(dialer, resolver))

	if len(dialer.Dialed()) != 2 {
		t.Fatalf("dials not match, expect %d, but got %d", 2, len(dialer.Dialed()))
	}
	if resolver.Calls() != 1 {
		t.Fatalf("nat64 calls not match, expect %d, but got %d", 1, resolver.Calls())
	}
	if tunnel.Code() != connection.CloseInternalError {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseInternalError, tunnel.Code())
	}
}

func TestSessionResolutionFailure(t *testing.T) {
	dialer := &routeDialer{routes: map[string]string{}}
	resolver := &fakeResolver{err: doh.ErrResolution}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, ""))

	runSession(t, tunnel, sessionConfig(dialer, resolver))

	if len(dialer.Dialed()) != 1 {
		t.Fatalf("dials not match, expect %d, but got %d", 1, len(dialer.Dialed()))
	}
	if tunnel.Code() != connection.CloseInternalError {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseInternalError, tunnel.Code())
	}
}

func TestSessionIdleTimeoutDoesNotRetry(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr := serveOnce(t, func(conn net.Conn) {
		<-release
	})

	dialer := &routeDialer{routes: map[string]string{"example.com:80": addr}}
	resolver := &fakeResolver{}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, ""))

	cfg := sessionConfig(dialer, resolver)
	cfg.IdleTimeout = 100 * time.Millisecond
	runSession(t, tunnel, cfg)

	if resolver.Calls() != 0 {
		t.Fatalf("nat64 calls not match, expect %d, but got %d", 0, resolver.Calls())
	}
	if tunnel.Code() != connection.CloseInternalError {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseInternalError, tunnel.Code())
	}
}

func TestSessionIdleTimeoutCountsUploads(t *testing.T) {
	uploaded := make(chan int64, 1)
	addr := serveOnce(t, func(conn net.Conn) {
		n, _ := io.Copy(io.Discard, conn)
		uploaded <- n
	})

	dialer := &routeDialer{routes: map[string]string{"example.com:80": addr}}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, ""))

	const chunks = 12
	go func() {
		for i := 0; i < chunks; i++ {
			time.Sleep(50 * time.Millisecond)
			tunnel.in <- []byte("x")
		}
	}()

	cfg := sessionConfig(dialer, &fakeResolver{})
	cfg.IdleTimeout = 200 * time.Millisecond

	start := time.Now()
	runSession(t, tunnel, cfg)
	elapsed := time.Since(start)

	if elapsed < chunks*50*time.Millisecond {
		t.Fatalf("session closed while uploading, after %s", elapsed)
	}

	select {
	case n := <-uploaded:
		if n != chunks {
			t.Fatalf("uploaded bytes not match, expect %d, but got %d", chunks, n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("destination was not closed")
	}

	// the destination never answered
	if tunnel.Code() != connection.CloseInternalError {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseInternalError, tunnel.Code())
	}
}

func TestSessionDestinationResetAfterData(t *testing.T) {
	dialer := &routeDialer{routes: map[string]string{}}
	tunnel := newFakeTunnel(requestMessage(t, "example.com", 80, ""))

	dialer.routes["example.com:80"] = serveOnce(t, func(conn net.Conn) {
		conn.Write([]byte("x"))

		deadline := time.Now().Add(3 * time.Second)
		for len(tunnel.Messages()) == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		// close with RST
		conn.(*net.TCPConn).SetLinger(0)
	})

	resolver := &fakeResolver{}
	runSession(t, tunnel, sessionConfig(dialer, resolver))

	messages := tunnel.Messages()
	if len(messages) != 1 || string(messages[0]) != "\x00\x00x" {
		t.Fatalf("messages not match, expect %q, but got %q", "\x00\x00x", messages)
	}
	if resolver.Calls() != 0 {
		t.Fatalf("nat64 calls not match, expect %d, but got %d", 0, resolver.Calls())
	}
	if tunnel.Code() != connection.CloseInternalError {
		t.Fatalf("close code not match, expect %d, but got %d", connection.CloseInternalError, tunnel.Code())
	}
}

func TestSessionRejectsBadHeader(t *testing.T) {
	other := user.MustNew("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	wrong, _ := protocol.EncodeRequest(other.ID(), "example.com", 80)

	testcases := []struct {
		name    string
		message []byte
	}{
		{"auth", wrong},
		{"short", []byte{0x00, 0x01, 0x02}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			dialer := &routeDialer{routes: map[string]string{}}
			tunnel := newFakeTunnel(tc.message)

			runSession(t, tunnel, sessionConfig(dialer, &fakeResolver{}))

			if tunnel.Code() != connection.ClosePolicyViolation {
				t.Fatalf("close code not match, expect %d, but got %d", connection.ClosePolicyViolation, tunnel.Code())
			}
			if len(dialer.Dialed()) != 0 {
				t.Fatalf("dials not match, expect %d, but got %d", 0, len(dialer.Dialed()))
			}
		})
	}
}

func udpRequest(t *testing.T, port int, payload []byte) []byte {
	t.Helper()

	header, err := protocol.Encode(&protocol.Request{
		Credential: testUser.ID(),
		Command:    protocol.CommandUDP,
		Address:    "1.1.1.1",
		Port:       port,
	})
	if err != nil {
		t.Fatalf("failed to encode request: %s", err)
	}

	return append(header, payload...)
}

func TestSessionRejectsUDPOtherThanDNS(t *testing.T) {
	tunnel := newFakeTunnel(udpRequest(t, 54, nil))

	runSession(t, tunnel, sessionConfig(&routeDialer{}, nil))

	if tunnel.Code() != connection.ClosePolicyViolation {
		t.Fatalf("close code not match, expect %d, but got %d", connection.ClosePolicyViolation, tunnel.Code())
	}
	if tunnel.reason != "UDP: only port 53" {
		t.Fatalf("close reason not match, expect %s, but got %s", "UDP: only port 53", tunnel.reason)
	}
}

func frame(t *testing.T, name string, id uint16) []byte {
	t.Helper()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Id = id
	packed, err := msg.Pack()
	if err != nil {
		t.Fatalf("failed to pack query: %s", err)
	}

	framed := make([]byte, 2, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))
	return append(framed, packed...)
}

func TestSessionBridgesDNS(t *testing.T) {
	resolver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		query := new(dns.Msg)
		if err := query.Unpack(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := new(dns.Msg)
		reply.SetReply(query)
		packed, _ := reply.Pack()
		w.Header().Set("Content-Type", doh.ContentTypeDNSMessage)
		w.Write(packed)
	}))
	defer resolver.Close()

	payload := append(frame(t, "example.com", 1), frame(t, "example.org", 2)...)
	tunnel := newFakeTunnel(udpRequest(t, DNSPort, payload))

	cfg := sessionConfig(&routeDialer{}, nil)
	cfg.DNS = doh.New(&doh.ClientConfig{Endpoint: resolver.URL})

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) && len(tunnel.Messages()) < 2 {
			time.Sleep(10 * time.Millisecond)
		}
		tunnel.hangup()
	}()

	runSession(t, tunnel, cfg)

	messages := tunnel.Messages()
	if len(messages) != 2 {
		t.Fatalf("messages not match, expect %d, but got %d", 2, len(messages))
	}

	ids := map[uint16]bool{}
	for i, message := range messages {
		if i == 0 {
			if !bytes.HasPrefix(message, []byte{0x00, 0x00}) {
				t.Fatalf("response header not match, expect %v, but got %v", []byte{0x00, 0x00}, message[:2])
			}
			message = message[2:]
		}

		length := int(binary.BigEndian.Uint16(message))
		if length != len(message)-2 {
			t.Fatalf("frame length not match, expect %d, but got %d", len(message)-2, length)
		}

		answer := new(dns.Msg)
		if err := answer.Unpack(message[2:]); err != nil {
			t.Fatalf("failed to unpack answer: %s", err)
		}
		ids[answer.Id] = true
	}

	if !ids[1] || !ids[2] {
		t.Fatalf("answer ids not match, expect %v, but got %v", []uint16{1, 2}, ids)
	}
}
