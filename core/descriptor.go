package core

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Descriptor is what a client needs to reach the server.
type Descriptor struct {
	Hostname string
	Port     int64
	UUID     string
	TLS      bool
	Path     string
}

func (d *Descriptor) security() string {
	if d.TLS {
		return "tls"
	}

	return "none"
}

// Link renders the descriptor as a vless:// share link.
func (d *Descriptor) Link() string {
	return fmt.Sprintf(
		"vless://%s@%s:%d?encryption=none&security=%s&sni=%s&fp=randomized&type=ws&host=%s&path=%s#%s",
		d.UUID,
		d.Hostname,
		d.Port,
		d.security(),
		d.Hostname,
		d.Hostname,
		url.QueryEscape(d.Path),
		d.Hostname,
	)
}

func (d *Descriptor) String() string {
	return strings.Join([]string{
		fmt.Sprintf("addr : %s", d.Hostname),
		fmt.Sprintf("port : %d", d.Port),
		fmt.Sprintf("uuid : %s", d.UUID),
		"net  : ws",
		fmt.Sprintf("tls  : %s", d.security()),
		fmt.Sprintf("sni  : %s", d.Hostname),
		fmt.Sprintf("path : %s", d.Path),
		"",
		d.Link(),
	}, "\n")
}

// hostname drops the port from a Host header value.
func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return host
}
