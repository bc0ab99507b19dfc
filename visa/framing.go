package visa

import (
	"bytes"
	"fmt"
	"strings"
)

// BaseSession provides the termination and framing helpers shared by both
// backend adapters. Adapters embed it and wire the raw I/O functions to their
// native primitives, the way a generation-specific session reuses the common
// message plumbing.
type BaseSession struct {
	ReadRawFn  func() ([]byte, error)
	ReadRawNFn func(n int) ([]byte, error)
	WriteRawFn func(p []byte) (int, error)

	// ReadTermFn and WriteTermFn return the session default terminations.
	ReadTermFn  func() string
	WriteTermFn func() string

	Warnings *Warnings
}

// Write writes msg with the session default write termination.
func (s *BaseSession) Write(msg string) error {
	return s.WriteWithTermination(msg, s.WriteTermFn())
}

// WriteWithTermination appends term to msg unless msg already ends with it,
// in which case a warning is recorded and the message is written as is.
func (s *BaseSession) WriteWithTermination(msg, term string) error {
	if term != "" {
		if strings.HasSuffix(msg, term) {
			s.Warnings.Warnf(WarnWriteTermination, "write message already ends with termination characters")
		} else {
			msg += term
		}
	}
	_, err := s.WriteRawFn([]byte(msg))

	return err
}

// Read reads one message and strips the session default read termination.
func (s *BaseSession) Read() (string, error) {
	return s.ReadWithTermination(s.ReadTermFn())
}

// ReadWithTermination reads one message and strips term per the rules of
// StripTermination.
func (s *BaseSession) ReadWithTermination(term string) (string, error) {
	raw, err := s.ReadRawFn()
	if err != nil {
		return "", err
	}

	return string(StripTermination(raw, term, s.Warnings)), nil
}

// Query writes msg and returns the stripped read reply.
func (s *BaseSession) Query(msg string) (string, error) {
	if err := s.Write(msg); err != nil {
		return "", err
	}

	return s.Read()
}

// QueryRaw writes msg and returns the raw read reply.
func (s *BaseSession) QueryRaw(msg string) ([]byte, error) {
	if err := s.Write(msg); err != nil {
		return nil, err
	}

	return s.ReadRawFn()
}

// ReadRawNAll accumulates exactly count bytes by repeatedly issuing bounded
// reads of at most chunkSize bytes. Each partial read may under-return; the
// loop never reads past count. chunkSize <= 0 means "use count".
func (s *BaseSession) ReadRawNAll(count, chunkSize int) ([]byte, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative read count %d", ErrOutOfRange, count)
	}
	if chunkSize <= 0 {
		chunkSize = count
	}

	// Bounded reads that fill their buffer warn about possibly pending data;
	// that is expected while accumulating.
	restore := s.Warnings.Ignore(WarnMaxCount)
	defer restore()

	buf := make([]byte, 0, count)
	for len(buf) < count {
		n := chunkSize
		if remaining := count - len(buf); remaining < n {
			n = remaining
		}
		part, err := s.ReadRawNFn(n)
		if len(part) > n {
			part = part[:n]
		}
		buf = append(buf, part...)
		if err != nil {
			return buf, err
		}
	}

	return buf, nil
}

// StripTermination removes the end-of-message framing from a read payload.
//
// With a non-empty term the payload must end with it; a mismatch records a
// warning and the payload is returned unstripped. With an empty term a
// trailing CR+LF pair is stripped, else a single trailing CR or LF, in that
// priority.
func StripTermination(p []byte, term string, w *Warnings) []byte {
	if term != "" {
		if bytes.HasSuffix(p, []byte(term)) {
			return p[:len(p)-len(term)]
		}
		w.Warnf(WarnReadTermination, "read payload does not end with termination characters")

		return p
	}
	if bytes.HasSuffix(p, []byte("\r\n")) {
		return p[:len(p)-2]
	}
	if n := len(p); n > 0 && (p[n-1] == '\r' || p[n-1] == '\n') {
		return p[:n-1]
	}

	return p
}

// ValidateTermination rejects termination sequences whose last character also
// appears earlier in the sequence, which would make hardware end-of-message
// detection ambiguous.
func ValidateTermination(term string) error {
	if term == "" {
		return nil
	}
	last := term[len(term)-1]
	if strings.IndexByte(term[:len(term)-1], last) >= 0 {
		return ErrInvalidTermination
	}

	return nil
}
