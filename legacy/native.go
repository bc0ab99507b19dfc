package legacy

import (
	"errors"
	"math"
	"time"

	"github.com/instrlab/go-visa/visa"
)

// The native layer mirrors the calling convention of the generation it wraps:
// every call returns a status code and the timeout lives in seconds. The
// session adapter is the only caller and translates statuses to error kinds
// at the boundary.

// statusOf converts a bus-level error into the native status vocabulary.
func statusOf(err error) visa.Status {
	switch {
	case err == nil:
		return visa.StatusSuccess
	case errors.Is(err, visa.ErrTimeout):
		return visa.StatusErrorTimeout
	case errors.Is(err, visa.ErrLocked):
		return visa.StatusErrorResourceLocked
	case errors.Is(err, visa.ErrBusy):
		return visa.StatusErrorResourceBusy
	case errors.Is(err, visa.ErrInvalidAccessKey):
		return visa.StatusErrorInvalidAccessKey
	case errors.Is(err, visa.ErrUnsupported):
		return visa.StatusErrorUnsupported
	default:
		return visa.StatusErrorIO
	}
}

// timeoutDuration converts the native seconds timeout to a wait duration.
// Infinite maps to a negative duration, immediate to zero.
func timeoutDuration(sec float64) time.Duration {
	if math.IsInf(sec, 1) {
		return -1
	}
	if sec <= 0 {
		return 0
	}

	return time.Duration(sec * float64(time.Second))
}

// viWrite writes raw bytes to the device.
func (s *Session) viWrite(p []byte) (int, visa.Status) {
	if s.dev.LockedAgainst(s.lib.domain, s.id) {
		return 0, visa.StatusErrorResourceLocked
	}
	n, err := s.dev.Write(p)
	if err != nil {
		return n, statusOf(err)
	}

	return n, visa.StatusSuccess
}

// viRead performs one bounded read of at most max bytes, blocking up to the
// session timeout. A read that fills max exactly returns the max-count
// success status.
func (s *Session) viRead(max int) ([]byte, visa.Status) {
	if s.dev.LockedAgainst(s.lib.domain, s.id) {
		return nil, visa.StatusErrorResourceLocked
	}
	p, err := s.dev.ReadBlocking(max, timeoutDuration(s.timeoutSec()))
	if err != nil {
		return nil, statusOf(err)
	}
	if max > 0 && len(p) == max {
		return p, visa.StatusSuccessMaxCount
	}

	return p, visa.StatusSuccess
}

// viLock acquires a device lock, blocking up to timeout seconds.
func (s *Session) viLock(mode visa.LockMode, key string, timeoutSec float64) (string, visa.Status) {
	granted, err := s.dev.AcquireLock(s.lib.domain, s.id, mode, key, timeoutDuration(timeoutSec))
	if err != nil {
		return "", statusOf(err)
	}

	return granted, visa.StatusSuccess
}

// viUnlock releases one lock acquisition. Unlocking an unlocked session
// reports the dedicated status, which the adapter treats as success.
func (s *Session) viUnlock() visa.Status {
	if s.dev.LockMode(s.lib.domain, s.id) == visa.LockNone {
		return visa.StatusErrorSessionNotLocked
	}
	s.dev.ReleaseLock(s.lib.domain, s.id)

	return visa.StatusSuccess
}

// viReadSTB performs a serial poll.
func (s *Session) viReadSTB() (byte, visa.Status) {
	if s.dev.LockedAgainst(s.lib.domain, s.id) {
		return 0, visa.StatusErrorResourceLocked
	}

	return s.dev.ReadSTB(), visa.StatusSuccess
}

// viGpibControlREN drives the remote-enable line.
func (s *Session) viGpibControlREN(mode visa.RENMode) visa.Status {
	return statusOf(s.dev.ControlREN(mode))
}

// viAssertTrigger asserts a software trigger.
func (s *Session) viAssertTrigger() visa.Status {
	if s.dev.LockedAgainst(s.lib.domain, s.id) {
		return visa.StatusErrorResourceLocked
	}
	s.dev.Trigger()

	return visa.StatusSuccess
}

// viClear performs a device clear.
func (s *Session) viClear() visa.Status {
	if s.dev.LockedAgainst(s.lib.domain, s.id) {
		return visa.StatusErrorResourceLocked
	}
	s.dev.Clear()

	return visa.StatusSuccess
}
