package visa

import "errors"

var (
	// ErrTimeout indicates that a blocking operation (read, write, lock
	// acquisition or event wait) did not complete before its timeout elapsed.
	// It is recoverable; the caller decides whether to retry or abandon.
	ErrTimeout = errors.New("visa: timeout expired before operation completed")

	// ErrLocked indicates that the resource is locked by another session of
	// the same backend instance and the requested access is denied.
	ErrLocked = errors.New("visa: resource is locked by another session")

	// ErrBusy indicates that the resource is in use and cannot be opened or
	// accessed right now.
	ErrBusy = errors.New("visa: resource is busy")

	// ErrIO indicates a low-level input/output failure, including attempts to
	// address a resource that does not exist.
	ErrIO = errors.New("visa: input/output error")

	// ErrUnsupported indicates that the backend or device cannot perform the
	// requested operation, e.g. handler-mode service requests on a serial
	// interface under the legacy backend.
	ErrUnsupported = errors.New("visa: operation not supported by backend or device")
)

var (
	// ErrInvalidEvent indicates an unknown event kind, or a wait on an event
	// kind that was never enabled for queued delivery.
	ErrInvalidEvent = errors.New("visa: invalid or not enabled event kind")

	// ErrInvalidMechanism indicates an unknown or inapplicable event delivery
	// mechanism.
	ErrInvalidMechanism = errors.New("visa: invalid event mechanism")

	// ErrInvalidAccessKey indicates that a shared-lock access key does not
	// match the key held by the current shared holders.
	ErrInvalidAccessKey = errors.New("visa: invalid shared lock access key")

	// ErrHandlerInstalled indicates that a Handler record is already bound to
	// an event kind and must be uninstalled first.
	ErrHandlerInstalled = errors.New("visa: handler already installed")

	// ErrHandlerNotInstalled indicates that handler-mode delivery was enabled
	// for an event kind with no handler installed.
	ErrHandlerNotInstalled = errors.New("visa: no handler installed for event kind")
)

var (
	// ErrAttrNotFound indicates that an attribute is defined neither on the
	// proxy overlay nor on the wrapped native session.
	ErrAttrNotFound = errors.New("visa: attribute not found")

	// ErrOutOfRange indicates a parameter outside its representable range,
	// e.g. a timeout beyond the unsigned 32-bit millisecond range.
	ErrOutOfRange = errors.New("visa: value out of range")

	// ErrInvalidTermination indicates a termination sequence whose last
	// character also appears earlier in the sequence, which would make
	// hardware end-of-message detection ambiguous.
	ErrInvalidTermination = errors.New("visa: ambiguous ending in termination characters")

	// ErrLibraryNotFound indicates that no native backend library could be
	// loaded for any of the preferred generations.
	ErrLibraryNotFound = errors.New("visa: unable to load a native backend library")

	// ErrSessionClosed indicates an operation on a session that has already
	// been closed.
	ErrSessionClosed = errors.New("visa: session is closed")
)
