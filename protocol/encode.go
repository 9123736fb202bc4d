package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// EncodeRequest builds a TCP request header for host:port.
func EncodeRequest(credential uuid.UUID, host string, port int) ([]byte, error) {
	return Encode(&Request{
		Version:    VERSION,
		Credential: credential,
		Command:    CommandTCP,
		Address:    host,
		Port:       port,
	})
}

// Encode builds the request header. ATyp is derived from Address; a zero
// Command means TCP.
func Encode(r *Request) ([]byte, error) {
	if r.Address == "" {
		return nil, fmt.Errorf("host is required")
	}

	if r.Port < 0 || r.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", r.Port)
	}

	command := r.Command
	if command == 0 {
		command = CommandTCP
	}
	if command != CommandTCP && command != CommandUDP {
		return nil, fmt.Errorf("unsupported command: %d", command)
	}

	atyp, addr := parseHost(r.Address)
	if atyp == ATypDomain && len(addr) > 255 {
		return nil, fmt.Errorf("domain too long: %d bytes", len(addr))
	}

	buf := bytes.NewBuffer(make([]byte, 0, 22+1+len(addr)))
	buf.WriteByte(r.Version)
	buf.Write(r.Credential[:])
	buf.WriteByte(0x00)
	buf.WriteByte(command)
	binary.Write(buf, binary.BigEndian, uint16(r.Port))
	buf.WriteByte(atyp)
	if atyp == ATypDomain {
		buf.WriteByte(byte(len(addr)))
	}
	buf.Write(addr)

	return buf.Bytes(), nil
}

// EncodeResponse builds the response header echoing version.
func EncodeResponse(version uint8) []byte {
	return []byte{version, 0x00}
}
