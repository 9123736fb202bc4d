package protocol

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Decode parses the request header at the start of raw and checks its
// credential against expected. Errors wrap ErrAuth or ErrProtocol.
func Decode(raw []byte, expected uuid.UUID) (*Request, error) {
	if len(raw) < MinRequestLength {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrProtocol, len(raw))
	}

	request := &Request{
		Version: raw[0],
	}

	credential := raw[1 : 1+CredentialLength]
	if subtle.ConstantTimeCompare(credential, expected[:]) != 1 {
		return nil, ErrAuth
	}
	copy(request.Credential[:], credential)

	offset := 1 + CredentialLength
	offset += 1 + int(raw[offset])

	// command(1) + port(2) + atyp(1)
	if offset+4 > len(raw) {
		return nil, fmt.Errorf("%w: addon exceeds message", ErrProtocol)
	}

	request.Command = raw[offset]
	if request.Command != CommandTCP && request.Command != CommandUDP {
		return nil, fmt.Errorf("%w: unsupported command %d", ErrProtocol, request.Command)
	}
	offset++

	request.Port = int(binary.BigEndian.Uint16(raw[offset : offset+2]))
	offset += 2

	request.ATyp = raw[offset]
	offset++

	switch request.ATyp {
	case ATypIPv4:
		if offset+4 > len(raw) {
			return nil, fmt.Errorf("%w: truncated ipv4 address", ErrProtocol)
		}
		request.Address = net.IP(raw[offset : offset+4]).String()
		offset += 4
	case ATypDomain:
		if offset+1 > len(raw) {
			return nil, fmt.Errorf("%w: truncated domain length", ErrProtocol)
		}
		length := int(raw[offset])
		offset++
		if length == 0 || offset+length > len(raw) {
			return nil, fmt.Errorf("%w: invalid domain length %d", ErrProtocol, length)
		}
		request.Address = string(raw[offset : offset+length])
		offset += length
	case ATypIPv6:
		if offset+16 > len(raw) {
			return nil, fmt.Errorf("%w: truncated ipv6 address", ErrProtocol)
		}
		request.Address = formatIPv6(raw[offset : offset+16])
		offset += 16
	default:
		return nil, fmt.Errorf("%w: unknown address type %d", ErrProtocol, request.ATyp)
	}

	request.DataOffset = offset
	return request, nil
}
