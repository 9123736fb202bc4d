package doh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultNAT64Prefix is the /96 prefix used to embed IPv4 addresses.
const DefaultNAT64Prefix = "2602:fc59:b0:64::"

// ErrResolution reports that no usable IPv4 address was found.
var ErrResolution = errors.New("failed to resolve nat64 address")

// NAT64 turns a hostname into a bracketed NAT64 IPv6 literal.
type NAT64 struct {
	client *Client
	prefix string
}

// NewNAT64 validates prefix, which may be written as "64:ff9b::",
// "64:ff9b" or "64:ff9b::/96".
func NewNAT64(client *Client, prefix string) (*NAT64, error) {
	if prefix == "" {
		prefix = DefaultNAT64Prefix
	}

	normalized := strings.TrimSuffix(prefix, "/96")
	normalized = strings.TrimRight(normalized, ":") + "::"
	if ip := net.ParseIP(normalized + "1"); ip == nil || ip.To4() != nil {
		return nil, fmt.Errorf("invalid nat64 prefix: %s", prefix)
	}

	return &NAT64{
		client: client,
		prefix: normalized,
	}, nil
}

// Resolve looks up the A record of domain and returns the synthesized
// address, e.g. [2602:fc59:b0:64::5db8:d822]. IPv4 literals are embedded
// without a lookup.
func (n *NAT64) Resolve(ctx context.Context, domain string) (string, error) {
	if ip := net.ParseIP(domain); ip != nil {
		if strings.Contains(domain, ":") {
			return "", fmt.Errorf("%w: %s is an ipv6 address", ErrResolution, domain)
		}
		return Synthesize(n.prefix, domain)
	}

	answers, err := n.client.Lookup(ctx, domain, "A")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrResolution, domain, err)
	}

	ipv4 := ""
	for _, answer := range answers {
		if answer.Type == TypeA {
			ipv4 = answer.Data
			break
		}
	}
	if ipv4 == "" {
		return "", fmt.Errorf("%w: no A record for %s", ErrResolution, domain)
	}

	return Synthesize(n.prefix, ipv4)
}

// Synthesize embeds ipv4 into the last 32 bits after prefix.
func Synthesize(prefix, ipv4 string) (string, error) {
	parts := strings.Split(ipv4, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: invalid ipv4 address %q", ErrResolution, ipv4)
	}

	octets := make([]string, 4)
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 || v > 255 {
			return "", fmt.Errorf("%w: invalid ipv4 address %q", ErrResolution, ipv4)
		}
		octets[i] = fmt.Sprintf("%02x", v)
	}

	return fmt.Sprintf("[%s%s%s:%s%s]", prefix, octets[0], octets[1], octets[2], octets[3]), nil
}
