package visa

// Session is the stable contract to one open hardware resource, regardless of
// which backend generation produced it.
//
// The adapter implementing it is chosen once at open time by the resource
// manager. Every blocking method is bounded solely by the session timeout (or
// the explicit timeout parameter); there is no separate cancellation
// primitive. Cooperative cancellation is done by polling with short timeouts.
type Session interface {
	// ID returns the backend-local session identifier.
	ID() uint32

	// ResourceName returns the resource name this session was opened with.
	ResourceName() string

	// InterfaceType returns the bus kind of the underlying resource.
	InterfaceType() InterfaceType

	// IsSerial reports whether the resource is on a serial interface.
	IsSerial() bool

	// IsGPIB reports whether the resource is on a GPIB interface.
	IsGPIB() bool

	// Timeout returns the current I/O timeout in milliseconds.
	// An unbounded timeout is reported as Forever.
	Timeout() float64

	// SetTimeout sets the I/O timeout in milliseconds. Forever disables it.
	SetTimeout(ms float64) error

	// ReadTermination returns the default read termination; empty means none.
	ReadTermination() string

	// SetReadTermination sets the default read termination. It also updates
	// the hardware end-of-message detection where the backend supports it.
	SetReadTermination(term string) error

	// WriteTermination returns the default write termination.
	WriteTermination() string

	// SetWriteTermination sets the default write termination.
	SetWriteTermination(term string)

	// ReadRaw reads one message worth of raw bytes.
	ReadRaw() ([]byte, error)

	// ReadRawN issues one bounded read of at most n bytes. It may
	// under-return.
	ReadRawN(n int) ([]byte, error)

	// WriteRaw writes raw bytes without termination handling.
	WriteRaw(p []byte) (int, error)

	// Write writes a message with the session default write termination.
	Write(msg string) error

	// WriteWithTermination writes a message with an explicit termination.
	WriteWithTermination(msg, term string) error

	// Read reads a message and strips the session default read termination.
	Read() (string, error)

	// ReadWithTermination reads a message and strips an explicit termination.
	ReadWithTermination(term string) (string, error)

	// ReadRawNAll accumulates exactly count raw bytes using bounded reads of
	// at most chunkSize bytes each.
	ReadRawNAll(count, chunkSize int) ([]byte, error)

	// Query writes a message and returns the read reply.
	Query(msg string) (string, error)

	// QueryRaw writes a message and returns the raw read reply.
	QueryRaw(msg string) ([]byte, error)

	// LockExclusive acquires an exclusive lock before timeoutMS elapses.
	// On timeout it fails with ErrTimeout; the caller decides whether to
	// retry. Locks taken through one backend instance do not reliably exclude
	// access through a different backend instance addressing the same
	// physical device.
	LockExclusive(timeoutMS float64) error

	// LockShared acquires a shared lock before timeoutMS elapses and returns
	// the access key cooperating shared holders must present. An empty
	// requestedKey asks the backend to generate one.
	LockShared(timeoutMS float64, requestedKey string) (string, error)

	// Unlock releases the session lock. It is idempotent: unlocking an
	// unlocked session is not an error, to simplify cleanup paths.
	Unlock() error

	// LockState returns the lock mode currently held by this session.
	LockState() LockMode

	// EnableEvent enables delivery of an event kind through the given
	// mechanisms. Enabling is additive across mechanisms and idempotent for
	// an already-enabled (kind, mechanism) pair.
	EnableEvent(kind EventType, mech Mechanism) error

	// DisableEvent disables delivery and drains any queued events so a stale
	// event cannot be observed by the next enable+wait cycle.
	DisableEvent(kind EventType, mech Mechanism) error

	// DiscardEvents drains pending events without changing enablement.
	DiscardEvents(kind EventType, mech Mechanism) error

	// WaitOnEvent blocks until an event of the kind is queued or timeoutMS
	// elapses. On timeout it fails with ErrTimeout. The returned WaitResponse
	// owns an event context that must be released exactly once via Close.
	WaitOnEvent(kind EventType, timeoutMS float64) (*WaitResponse, error)

	// InstallHandler registers a callback for an event kind and returns a
	// registration token. It fails with ErrUnsupported when the backend or
	// device cannot deliver handler-mode notifications for that kind.
	InstallHandler(kind EventType, fn HandlerFunc, userHandle any) (HandlerToken, error)

	// UninstallHandler removes a previously installed callback. It is a no-op
	// when the token is not installed.
	UninstallHandler(kind EventType, token HandlerToken) error

	// ReadSTB performs a serial poll and returns the status byte.
	ReadSTB() (byte, error)

	// ControlREN drives the GPIB remote-enable line. ErrUnsupported on
	// non-GPIB interfaces.
	ControlREN(mode RENMode) error

	// Trigger asserts a software trigger.
	Trigger() error

	// Clear performs a device clear, flushing pending I/O.
	Clear() error

	// GetAttribute resolves an attribute through the redirection proxy.
	GetAttribute(id AttrID) (any, error)

	// SetAttribute updates an attribute through the redirection proxy.
	SetAttribute(id AttrID, value any) error

	// DeleteAttribute removes an attribute through the redirection proxy.
	DeleteAttribute(id AttrID) error

	// Close releases the session. A session left open can leave hardware
	// locked until the lock times out or the process exits.
	Close() error
}

// FindList is a native resource enumeration handle. It must be released
// exactly once via Close, even if enumeration failed partway.
type FindList interface {
	// Next returns the next resource name. ok is false when the enumeration
	// is exhausted or failed; check Err afterwards.
	Next() (name string, ok bool)
	// Err returns the error that interrupted enumeration, if any.
	Err() error
	// Close releases the native enumeration handle. Safe to call once;
	// subsequent calls are no-ops.
	Close() error
}

// Backend is one native communication-library generation.
type Backend interface {
	// Generation returns the backend generation name ("legacy" or "modern").
	Generation() string

	// FindResources enumerates resources matching a wildcard query.
	FindResources(query string) (FindList, error)

	// ResourceInfo normalizes a resource name and returns its alias, if the
	// backend knows one. The empty alias means none.
	ResourceInfo(name string) (normalized string, alias string, err error)

	// Open opens a session to the named resource.
	Open(name string, opts *OpenOptions) (Session, error)

	// Close closes the backend and every session it produced.
	Close() error
}

// OpenOptions carries the portable session-open configuration. Nil pointer
// fields mean "leave the backend default in place".
type OpenOptions struct {
	TimeoutMS        *float64
	ReadTermination  *string
	WriteTermination *string

	// Serial-only parameters.
	BaudRate    *int
	Parity      *Parity
	DataBits    *int
	FlowControl *FlowControl
}
