package visa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWire is an in-memory raw endpoint for exercising the framing helpers.
type fakeWire struct {
	written  [][]byte
	pending  []byte
	quantum  int
	readErrs []error
}

func (w *fakeWire) writeRaw(p []byte) (int, error) {
	w.written = append(w.written, append([]byte(nil), p...))
	return len(p), nil
}

func (w *fakeWire) readRaw() ([]byte, error) {
	p := w.pending
	w.pending = nil
	return p, nil
}

func (w *fakeWire) readRawN(n int) ([]byte, error) {
	if len(w.readErrs) > 0 {
		err := w.readErrs[0]
		w.readErrs = w.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if w.quantum > 0 && w.quantum < n {
		n = w.quantum
	}
	if n > len(w.pending) {
		n = len(w.pending)
	}
	p := w.pending[:n]
	w.pending = w.pending[n:]
	return p, nil
}

func newTestBase(wire *fakeWire, readTerm, writeTerm string) (*BaseSession, *Warnings) {
	warnings := NewWarnings(nil)
	return &BaseSession{
		ReadRawFn:   wire.readRaw,
		ReadRawNFn:  wire.readRawN,
		WriteRawFn:  wire.writeRaw,
		ReadTermFn:  func() string { return readTerm },
		WriteTermFn: func() string { return writeTerm },
		Warnings:    warnings,
	}, warnings
}

func TestWriteAppendsTermination(t *testing.T) {
	wire := &fakeWire{}
	base, warnings := newTestBase(wire, "", "\r\n")

	require.NoError(t, base.Write("*IDN?"))
	require.Len(t, wire.written, 1)
	assert.Equal(t, "*IDN?\r\n", string(wire.written[0]))
	assert.Zero(t, warnings.Count(WarnWriteTermination))
}

func TestWriteAlreadyTerminatedWarns(t *testing.T) {
	wire := &fakeWire{}
	base, warnings := newTestBase(wire, "", "\r\n")

	require.NoError(t, base.Write("*IDN?\r\n"))
	require.Len(t, wire.written, 1)
	assert.Equal(t, "*IDN?\r\n", string(wire.written[0]), "termination must not be doubled")
	assert.Equal(t, 1, warnings.Count(WarnWriteTermination))
}

func TestReadStripsTermination(t *testing.T) {
	wire := &fakeWire{pending: []byte("+1.23E+00\n")}
	base, warnings := newTestBase(wire, "\n", "\n")

	msg, err := base.Read()
	require.NoError(t, err)
	assert.Equal(t, "+1.23E+00", msg)
	assert.Zero(t, warnings.Count(WarnReadTermination))
}

func TestReadTerminationMismatchWarnsUnstripped(t *testing.T) {
	wire := &fakeWire{pending: []byte("+1.23E+00\r")}
	base, warnings := newTestBase(wire, "\n", "\n")

	msg, err := base.Read()
	require.NoError(t, err)
	assert.Equal(t, "+1.23E+00\r", msg, "mismatched payload must come back unstripped")
	assert.Equal(t, 1, warnings.Count(WarnReadTermination))
}

func TestStripTerminationDefaults(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"crlf pair", "data\r\n", "data"},
		{"lone lf", "data\n", "data"},
		{"lone cr", "data\r", "data"},
		{"lf then cr strips one", "data\n\r", "data\n"},
		{"bare", "data", "data"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := StripTermination([]byte(tc.in), "", nil)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestQuery(t *testing.T) {
	wire := &fakeWire{}
	base, _ := newTestBase(wire, "\n", "\n")
	wire.pending = []byte("ok\n")

	reply, err := base.Query("STATUS?")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	require.Len(t, wire.written, 1)
	assert.Equal(t, "STATUS?\n", string(wire.written[0]))
}

func TestReadRawNAllAccumulates(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	wire := &fakeWire{pending: append([]byte(nil), payload...), quantum: 64}
	base, warnings := newTestBase(wire, "", "")

	got, err := base.ReadRawNAll(1000, 256)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, warnings.Count(WarnMaxCount), "accumulation must suppress full-count warnings")
}

func TestReadRawNAllNeverExceedsCount(t *testing.T) {
	wire := &fakeWire{pending: []byte("0123456789")}
	base, _ := newTestBase(wire, "", "")

	got, err := base.ReadRawNAll(4, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(got))
}

func TestReadRawNAllPartialOnError(t *testing.T) {
	wire := &fakeWire{
		pending:  []byte("abcdef"),
		quantum:  3,
		readErrs: []error{nil, ErrTimeout},
	}
	base, _ := newTestBase(wire, "", "")

	got, err := base.ReadRawNAll(6, 3)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "abc", string(got), "partial data must be returned with the error")
}

func TestReadRawNAllNegativeCount(t *testing.T) {
	base, _ := newTestBase(&fakeWire{}, "", "")
	_, err := base.ReadRawNAll(-1, 0)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestValidateTermination(t *testing.T) {
	require.NoError(t, ValidateTermination(""))
	require.NoError(t, ValidateTermination("\n"))
	require.NoError(t, ValidateTermination("\r\n"))
	require.ErrorIs(t, ValidateTermination("\n\r\n"), ErrInvalidTermination)
	require.ErrorIs(t, ValidateTermination("aa"), ErrInvalidTermination)
}
