package connection

import "sync"

// BinaryWriter sends one binary message per call.
type BinaryWriter interface {
	WriteBinary(data []byte) error
}

// PrefixWriter prepends header to the first message written through it.
// Every later message is sent as is.
type PrefixWriter struct {
	sync.Mutex

	w      BinaryWriter
	header []byte
	sent   bool
}

func NewPrefixWriter(w BinaryWriter, header []byte) *PrefixWriter {
	return &PrefixWriter{
		w:      w,
		header: header,
	}
}

// Write sends p as one message. Empty writes are dropped.
func (pw *PrefixWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	pw.Lock()
	defer pw.Unlock()

	message := p
	if !pw.sent {
		message = make([]byte, 0, len(pw.header)+len(p))
		message = append(message, pw.header...)
		message = append(message, p...)
	}

	if err := pw.w.WriteBinary(message); err != nil {
		return 0, err
	}

	pw.sent = true
	return len(p), nil
}

// Sent reports whether any message has gone out.
func (pw *PrefixWriter) Sent() bool {
	pw.Lock()
	defer pw.Unlock()

	return pw.sent
}
