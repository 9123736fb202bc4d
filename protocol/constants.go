package protocol

const (
	VERSION = 0x00
)

const (
	CommandTCP = 0x01
	CommandUDP = 0x02
)

const (
	ATypIPv4   = 0x01
	ATypDomain = 0x02
	ATypIPv6   = 0x03
)

const (
	// CredentialLength is the size of the raw uuid in the request.
	CredentialLength = 16

	// MinRequestLength is the smallest request a server will try to decode.
	MinRequestLength = 24

	// ResponseLength is the size of the response header.
	ResponseLength = 2
)
