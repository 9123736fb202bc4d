package connection

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

// ID_LENGTH is the length of a nanoid.
const ID_LENGTH = 21

// GenerateID returns a new connection id, used to tag logs of one tunnel.
func GenerateID() string {
	id, _ := nanoid.New()
	return id
}
