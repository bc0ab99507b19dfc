package visa

import "fmt"

// InterfaceType identifies the bus an instrument resource is reachable over.
type InterfaceType int

const (
	InterfaceGPIB InterfaceType = iota + 1
	InterfaceSerial
	InterfaceUSB
	InterfaceTCPIP
)

func (t InterfaceType) String() string {
	switch t {
	case InterfaceGPIB:
		return "gpib"
	case InterfaceSerial:
		return "serial"
	case InterfaceUSB:
		return "usb"
	case InterfaceTCPIP:
		return "tcpip"
	default:
		return fmt.Sprintf("interface(%d)", int(t))
	}
}

// EventType identifies an asynchronous notification kind.
type EventType int

const (
	// EventServiceRequest is a hardware-raised service request (SRQ).
	EventServiceRequest EventType = iota + 1
	// EventIOCompletion signals completion of a bounded read operation.
	EventIOCompletion
	// EventException signals an operation failure surfaced as an event.
	EventException
	// EventAll addresses every enabled event kind. It is valid for disable,
	// discard and wait operations, not for enable or handler installation.
	EventAll
)

func (t EventType) String() string {
	switch t {
	case EventServiceRequest:
		return "service_request"
	case EventIOCompletion:
		return "io_completion"
	case EventException:
		return "exception"
	case EventAll:
		return "all"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

func (t EventType) valid() bool {
	return t >= EventServiceRequest && t <= EventAll
}

// Mechanism is a bitmask of event delivery methods.
//
// Enabling the same kind twice for different mechanisms is additive.
type Mechanism int

const (
	// MechQueue delivers events into a per-kind queue polled by WaitOnEvent.
	MechQueue Mechanism = 1 << iota
	// MechHandler delivers events by invoking installed handler callbacks.
	MechHandler
	// MechSuspendHandler parks handler events until handler delivery is
	// re-enabled for the kind.
	MechSuspendHandler

	// MechAll addresses all delivery mechanisms.
	MechAll = MechQueue | MechHandler | MechSuspendHandler
)

func (m Mechanism) String() string {
	switch m {
	case MechQueue:
		return "queue"
	case MechHandler:
		return "handler"
	case MechSuspendHandler:
		return "suspend_handler"
	case MechAll:
		return "all"
	default:
		return fmt.Sprintf("mechanism(%d)", int(m))
	}
}

func (m Mechanism) valid() bool {
	return m != 0 && m&^MechAll == 0
}

// LockMode identifies the mutual-exclusion mode held on a session.
type LockMode int

const (
	LockNone LockMode = iota
	LockShared
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("lock(%d)", int(m))
	}
}

// RENMode selects a GPIB remote-enable line operation.
type RENMode int

const (
	// RENDeassert deasserts the REN line; all instruments go local.
	RENDeassert RENMode = iota
	// RENAssert asserts the REN line; instruments go remote when addressed.
	RENAssert
	// RENAssertAddress asserts REN and addresses this instrument to remote.
	RENAssertAddress
	// RENDeassertGTL deasserts REN and sends go-to-local.
	RENDeassertGTL
	// RENAssertAddressLLO asserts REN with local lockout for this instrument.
	RENAssertAddressLLO
	// RENAddressGTL sends go-to-local to this instrument only.
	RENAddressGTL
)

// Parity selects the serial parity mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// FlowControl selects the serial flow control mode.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowXONXOFF
	FlowRTSCTS
	FlowDTRDSR
)

// Status is the status-code vocabulary of the legacy backend generation.
// It never crosses the core interface uncaught: adapters translate it to
// sentinel error kinds with Err.
type Status uint32

const (
	StatusSuccess              Status = 0x00000000
	StatusSuccessQueueNotEmpty Status = 0x3FFF0080
	StatusSuccessMaxCount      Status = 0x3FFF0006

	StatusErrorTimeout          Status = 0xBFFF0015
	StatusErrorResourceLocked   Status = 0xBFFF000F
	StatusErrorResourceBusy     Status = 0xBFFF0072
	StatusErrorSessionNotLocked Status = 0xBFFF009C
	StatusErrorUnsupported      Status = 0xBFFF0067
	StatusErrorIO               Status = 0xBFFF003E
	StatusErrorInvalidEvent     Status = 0xBFFF0026
	StatusErrorInvalidMechanism Status = 0xBFFF0027
	StatusErrorInvalidAccessKey Status = 0xBFFF001D
)

// Err maps a status code to the sentinel error kind callers branch on.
// Success codes map to nil.
func (s Status) Err() error {
	switch s {
	case StatusSuccess, StatusSuccessQueueNotEmpty, StatusSuccessMaxCount:
		return nil
	case StatusErrorTimeout:
		return ErrTimeout
	case StatusErrorResourceLocked:
		return ErrLocked
	case StatusErrorResourceBusy:
		return ErrBusy
	case StatusErrorSessionNotLocked:
		// Unlock is idempotent; unlocking an unlocked session is not an error.
		return nil
	case StatusErrorUnsupported:
		return ErrUnsupported
	case StatusErrorInvalidEvent:
		return ErrInvalidEvent
	case StatusErrorInvalidMechanism:
		return ErrInvalidMechanism
	case StatusErrorInvalidAccessKey:
		return ErrInvalidAccessKey
	default:
		return fmt.Errorf("%w: status 0x%08X", ErrIO, uint32(s))
	}
}

// AttrID identifies a session or event-context attribute.
type AttrID uint32

const (
	AttrResourceName    AttrID = 0xBFFF0002
	AttrManufName       AttrID = 0xBFFF0174
	AttrInterfaceType   AttrID = 0x3FFF00E3
	AttrTimeout         AttrID = 0x3FFF001A
	AttrTermChar        AttrID = 0x3FFF0018
	AttrTermCharEnabled AttrID = 0x3FFF0038
	AttrFlowControl     AttrID = 0x3FFF0039
	AttrBaudRate        AttrID = 0x3FFF0021
	AttrParity          AttrID = 0x3FFF0022
	AttrDataBits        AttrID = 0x3FFF0023

	// Event-context attributes.
	AttrEventType  AttrID = 0x3FFF4010
	AttrStatusCode AttrID = 0x3FFF4025
	AttrSTB        AttrID = 0x3FFF401A
)
