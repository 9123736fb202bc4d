package tunnel

import (
	"context"
	"net"

	utls "github.com/refraction-networking/utls"
)

// dialUTLS dials TLS with a randomized ClientHello. The no-ALPN variant
// keeps the server on HTTP/1.1, which the websocket upgrade needs.
func dialUTLS(sni string, insecure bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var dialer net.Dialer
		raw, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		conn := utls.UClient(raw, &utls.Config{
			ServerName:         sni,
			InsecureSkipVerify: insecure,
		}, utls.HelloRandomizedNoALPN)

		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, err
		}

		return conn, nil
	}
}
