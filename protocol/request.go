package protocol

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Request is a decoded tunnel request header.
type Request struct {
	Version    uint8
	Credential uuid.UUID
	Command    uint8
	ATyp       uint8
	Address    string
	Port       int

	// DataOffset is the index in the raw message where payload begins.
	DataOffset int
}

// IsUDP reports whether the request asks for a UDP session.
func (r *Request) IsUDP() bool {
	return r.Command == CommandUDP
}

// Target returns the destination in host:port form.
func (r *Request) Target() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

func (r *Request) String() string {
	network := "tcp"
	if r.IsUDP() {
		network = "udp"
	}

	return fmt.Sprintf("%s://%s", network, r.Target())
}

func (r *Request) Encode() ([]byte, error) {
	return Encode(r)
}
