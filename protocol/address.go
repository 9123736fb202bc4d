package protocol

import (
	"net"
	"strconv"
	"strings"
)

// parseHost picks the address type for host and returns its wire bytes
// (without the domain length prefix).
func parseHost(host string) (atyp uint8, addr []byte) {
	if !strings.Contains(host, ":") {
		if ip := net.ParseIP(host); ip != nil {
			if v4 := ip.To4(); v4 != nil {
				return ATypIPv4, v4
			}
		}

		return ATypDomain, []byte(host)
	}

	literal := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip := net.ParseIP(literal); ip != nil {
		return ATypIPv6, ip.To16()
	}

	return ATypDomain, []byte(host)
}

// formatIPv6 renders 16 bytes as eight hex groups with the leading zeros
// of each group removed. Runs of zero groups are kept as "0", never folded
// into "::".
func formatIPv6(b []byte) string {
	groups := make([]string, 0, 8)
	for i := 0; i < 16; i += 2 {
		word := uint64(b[i])<<8 | uint64(b[i+1])
		groups = append(groups, strconv.FormatUint(word, 16))
	}

	return strings.Join(groups, ":")
}
