package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-zoox/edgetunnel/connection"
	"github.com/go-zoox/edgetunnel/protocol"
	"github.com/go-zoox/edgetunnel/relay"
	"github.com/go-zoox/logger"
)

// MaxRequestBody bounds a plain HTTP request body, which is held in memory.
const MaxRequestBody = 10 << 20

const (
	responseConnectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	responseBadRequest            = "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	responseBadGateway            = "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
)

func (p *Proxy) serveHTTP(ctx context.Context, id string, conn *peekedConn) {
	req, err := http.ReadRequest(conn.r)
	if err != nil {
		logger.Warnf("[http][connection: %s] failed to read request: %v", id, err)
		return
	}

	if req.Method == http.MethodConnect {
		p.serveConnect(ctx, id, conn, req)
		return
	}

	p.servePlain(ctx, id, conn, req)
}

// serveConnect answers 200 right away so the client starts its TLS
// handshake while the tunnel is still opening.
func (p *Proxy) serveConnect(ctx context.Context, id string, conn *peekedConn, req *http.Request) {
	host, port, err := splitHostPort(req.Host, 443)
	if err != nil {
		logger.Warnf("[http][connection: %s] invalid CONNECT target(%s): %v", id, req.Host, err)
		conn.Write([]byte(responseBadRequest))
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	logger.Infof("[http][connection: %s] CONNECT %s", id, target)

	head := conn.head()
	if _, err := conn.Write([]byte(responseConnectionEstablished)); err != nil {
		return
	}

	conn.SetDeadline(time.Time{})
	local := relay.Buffer(conn.Conn)
	defer local.Close()

	tunnel, err := p.open(ctx, id, host, port, head, local)
	if err != nil {
		logger.Errorf("[http][connection: %s] failed to connect to %s: %v", id, target, err)
		local.Write([]byte(responseBadGateway))
		return
	}

	p.relay(ctx, id, target, local, tunnel)
}

// servePlain forwards one plain HTTP request through its own tunnel and
// streams the response back.
func (p *Proxy) servePlain(ctx context.Context, id string, conn *peekedConn, req *http.Request) {
	hostport := req.URL.Host
	if hostport == "" {
		hostport = req.Host
	}
	if hostport == "" {
		logger.Warnf("[http][connection: %s] %s %s without host", id, req.Method, req.RequestURI)
		conn.Write([]byte(responseBadRequest))
		return
	}

	defaultPort := 80
	if req.URL.Scheme == "https" {
		defaultPort = 443
	}

	host, port, err := splitHostPort(hostport, defaultPort)
	if err != nil {
		logger.Warnf("[http][connection: %s] invalid host(%s): %v", id, hostport, err)
		conn.Write([]byte(responseBadRequest))
		return
	}

	raw, err := buildRequest(req)
	if err != nil {
		logger.Warnf("[http][connection: %s] failed to read request body: %v", id, err)
		conn.Write([]byte(responseBadRequest))
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	logger.Infof("[http][connection: %s] %s %s", id, req.Method, req.URL.String())

	tunnel, err := p.open(ctx, id, host, port, raw, nil)
	if err != nil {
		logger.Errorf("[http][connection: %s] failed to connect to %s: %v", id, target, err)
		conn.Write([]byte(responseBadGateway))
		return
	}
	defer tunnel.Close(connection.CloseNormal, "")

	conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	// the local peer hanging up ends the tunnel
	go func() {
		io.Copy(io.Discard, conn)
		tunnel.Close(connection.CloseNormal, "")
	}()

	received, err := copyResponse(conn, tunnel)
	if err != nil && received == 0 {
		logger.Errorf("[http][connection: %s] no response from %s: %v", id, target, err)
		conn.Write([]byte(responseBadGateway))
		return
	}

	logger.Infof("[http][connection: %s] %s closed (received: %d)", id, target, received)
}

// buildRequest renders req as an origin-form HTTP/1.1 request with the
// whole body attached and proxy-only headers removed.
func buildRequest(req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, MaxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxRequestBody)
	}

	header := req.Header.Clone()
	header.Del("Proxy-Connection")
	header.Del("Proxy-Authorization")
	header.Del("Transfer-Encoding")
	header.Del("Content-Length")
	header.Set("Connection", "close")
	switch {
	case len(body) > 0, req.Method == http.MethodPost, req.Method == http.MethodPut, req.Method == http.MethodPatch:
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
	fmt.Fprintf(&buf, "Host: %s\r\n", host)
	header.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(body)

	return buf.Bytes(), nil
}

// copyResponse writes the tunnel's response to w: the response header is
// stripped, the status line and headers are re-emitted once complete, and
// the body is streamed as it arrives. It returns the payload bytes seen.
func copyResponse(w io.Writer, tunnel relay.Tunnel) (int64, error) {
	stripper := relay.NewStripper(protocol.ResponseLength)

	var pending []byte
	parsed := false
	var received int64

	for {
		message, err := tunnel.ReadMessage()
		if err != nil {
			if !parsed && len(pending) > 0 {
				// headers never completed, pass through what we have
				w.Write(pending)
			}
			if connection.IsNormalClose(err) || errors.Is(err, io.EOF) {
				err = nil
			}
			return received, err
		}

		payload := stripper.Strip(message)
		if len(payload) == 0 {
			continue
		}
		received += int64(len(payload))

		if parsed {
			if _, err := w.Write(payload); err != nil {
				return received, err
			}
			continue
		}

		pending = append(pending, payload...)
		idx := bytes.Index(pending, []byte("\r\n\r\n"))
		if idx == -1 {
			continue
		}

		parsed = true
		head := renderResponseHead(string(pending[:idx]))
		if _, err := w.Write(append(head, pending[idx+4:]...)); err != nil {
			return received, err
		}
		pending = nil
	}
}

// renderResponseHead normalizes a raw status line and header block. An
// unparseable status code becomes 200. The local connection carries one
// request only, so the head always says Connection: close.
func renderResponseHead(raw string) []byte {
	lines := strings.Split(raw, "\r\n")

	code := http.StatusOK
	reason := ""
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) >= 2 {
		if c, err := strconv.Atoi(parts[1]); err == nil && c >= 100 && c <= 999 {
			code = c
		}
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	if reason == "" {
		reason = http.StatusText(code)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", code, reason)
	for _, line := range lines[1:] {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}

		switch http.CanonicalHeaderKey(strings.TrimSpace(line[:idx])) {
		case "Connection", "Keep-Alive", "Proxy-Connection":
			continue
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")

	return buf.Bytes()
}

func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	host, portText, err := net.SplitHostPort(hostport)
	if err != nil {
		// no port
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		if host == "" {
			return "", 0, fmt.Errorf("empty host")
		}
		return host, defaultPort, nil
	}

	if host == "" {
		return "", 0, fmt.Errorf("empty host")
	}

	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port(%s)", portText)
	}

	return host, port, nil
}
