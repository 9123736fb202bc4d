package user

import (
	"fmt"

	"github.com/google/uuid"
)

// User is the single credential shared by client and server.
type User interface {
	// ID is the raw credential carried by every request header.
	ID() uuid.UUID
	// String returns the canonical uuid form.
	String() string
}

type user struct {
	id uuid.UUID
}

// New parses a uuid string into a user.
func New(id string) (User, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid uuid(%s): %v", id, err)
	}

	return &user{
		id: parsed,
	}, nil
}

// MustNew is like New but panics on an invalid uuid.
func MustNew(id string) User {
	u, err := New(id)
	if err != nil {
		panic(err)
	}

	return u
}

func (u *user) ID() uuid.UUID {
	return u.id
}

func (u *user) String() string {
	return u.id.String()
}
