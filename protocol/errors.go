package protocol

import "errors"

var (
	// ErrAuth reports a request whose credential does not match.
	ErrAuth = errors.New("invalid user")

	// ErrProtocol reports a malformed request header.
	ErrProtocol = errors.New("invalid request header")
)
