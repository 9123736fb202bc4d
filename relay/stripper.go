package relay

// Stripper drops the first n bytes of the first message passed to it.
// Later messages pass through untouched.
type Stripper struct {
	n    int
	done bool
}

func NewStripper(n int) *Stripper {
	return &Stripper{
		n: n,
	}
}

func (s *Stripper) Strip(message []byte) []byte {
	if s.done {
		return message
	}

	s.done = true
	if len(message) <= s.n {
		return nil
	}

	return message[s.n:]
}
