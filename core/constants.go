package core

import "time"

const (
	DefaultUUID = "55a95ae1-4ae8-4461-8484-457279821b40"
	DefaultHost = "0.0.0.0"
	DefaultPort = 2053
	// DefaultPath is the websocket path advertised in the descriptor. The
	// ed parameter asks clients to send up to 2560 bytes of early data.
	DefaultPath = "/?ed=2560"

	DefaultConnectTimeout = 30 * time.Second
	DefaultIdleTimeout    = 30 * time.Second

	DefaultListen = "127.0.0.1:1088"
)

// DNSPort is the only port accepted for udp sessions.
const DNSPort = 53

const chunkSize = 32 * 1024
