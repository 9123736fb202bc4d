// Package protocol implements the tunnel header carried by the first
// WebSocket message of every tunnel.
//
// Reference:
//
//	VLESS: https://xtls.github.io/en/development/protocols/vless.html
//
// REQUEST (client -> server, once, prefixed to the first payload):
//
//	VER | UUID | ADDON_LEN | ADDON | CMD | DST.PORT | ATYP | DST.ADDR | PAYLOAD
//	 1  |  16  |     1     |   -   |  1  |    2     |  1   |    -     |    -
//
//	CMD:  0x01 TCP, 0x02 UDP
//	ATYP: 0x01 IPv4 (4 bytes)
//	      0x02 DOMAIN (1 byte length + name)
//	      0x03 IPv6 (8 x 2 bytes, big endian)
//
// RESPONSE (server -> client, once, prefixed to the first payload):
//
//	VER | ADDON_LEN
//	 1  |     1
package protocol
