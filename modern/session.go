package modern

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/instrlab/go-visa/sim"
	"github.com/instrlab/go-visa/visa"
)

// defaultTimeoutMS is the native default timeout. The native unit is
// milliseconds, same as the portable surface.
const defaultTimeoutMS uint32 = 2000

// Session adapts one modern native session to the common contract. The
// native calls already return errors, so no status translation happens here.
type Session struct {
	visa.BaseSession

	id  uint32
	lib *Library
	dev *sim.Device

	mu         sync.Mutex
	timeoutMS  uint32
	readTerm   string
	writeTerm  string
	baudRate   int
	parity     visa.Parity
	dataBits   int
	flow       visa.FlowControl
	extraAttrs map[visa.AttrID]any

	proxy  *visa.AttrProxy
	events *visa.EventRegistry

	srqID   int
	srqCh   <-chan byte
	stopSRQ chan struct{}
	srqDone chan struct{}

	closed atomic.Bool
}

var _ visa.Session = (*Session)(nil)

func newSession(ctx context.Context, lib *Library, id uint32, dev *sim.Device) *Session {
	s := &Session{
		id:        id,
		lib:       lib,
		dev:       dev,
		timeoutMS: defaultTimeoutMS,
		// Per-direction terminations, newline on writes by default.
		writeTerm:  "\n",
		baudRate:   9600,
		dataBits:   8,
		extraAttrs: make(map[visa.AttrID]any),
		stopSRQ:    make(chan struct{}),
		srqDone:    make(chan struct{}),
	}
	s.proxy = visa.NewAttrProxy(&nativeAttrs{s: s})
	s.proxy.Define(visa.AttrManufName, "Modern Instrument Library")
	s.events = visa.NewEventRegistry(ctx, id, s.eventCaps, lib.logger)

	s.BaseSession = visa.BaseSession{
		ReadRawFn:   s.ReadRaw,
		ReadRawNFn:  s.ReadRawN,
		WriteRawFn:  s.WriteRaw,
		ReadTermFn:  s.ReadTermination,
		WriteTermFn: s.WriteTermination,
		Warnings:    lib.warnings,
	}

	s.srqID, s.srqCh = dev.Subscribe()
	go s.forwardSRQ()

	return s
}

func (s *Session) forwardSRQ() {
	defer close(s.srqDone)
	for {
		select {
		case stb := <-s.srqCh:
			s.events.Post(visa.Event{
				Type:      visa.EventServiceRequest,
				SessionID: s.id,
				STB:       stb,
				Time:      time.Now(),
			})
		case <-s.stopSRQ:
			return
		}
	}
}

// eventCaps enforces this generation's one delivery restriction: exception
// events cannot be queued. Serial service requests are fully supported.
func (s *Session) eventCaps(kind visa.EventType, mech visa.Mechanism) error {
	if kind == visa.EventException && mech&visa.MechQueue != 0 {
		return fmt.Errorf("%w: exception events cannot be queued", visa.ErrUnsupported)
	}

	return nil
}

func (s *Session) applyOptions(opts *visa.OpenOptions) error {
	if opts == nil {
		return nil
	}
	if opts.TimeoutMS != nil {
		if err := s.SetTimeout(*opts.TimeoutMS); err != nil {
			return err
		}
	}
	if opts.ReadTermination != nil {
		if err := s.SetReadTermination(*opts.ReadTermination); err != nil {
			return err
		}
	}
	if opts.WriteTermination != nil {
		s.SetWriteTermination(*opts.WriteTermination)
	}
	if s.IsSerial() {
		s.mu.Lock()
		if opts.BaudRate != nil {
			s.baudRate = *opts.BaudRate
		}
		if opts.Parity != nil {
			s.parity = *opts.Parity
		}
		if opts.DataBits != nil {
			s.dataBits = *opts.DataBits
		}
		if opts.FlowControl != nil {
			s.flow = *opts.FlowControl
		}
		s.mu.Unlock()
	}

	return nil
}

// ID returns the backend-local session identifier.
func (s *Session) ID() uint32 { return s.id }

// ResourceName returns the resource name this session was opened with.
func (s *Session) ResourceName() string { return s.dev.Name() }

// InterfaceType returns the bus kind of the underlying resource.
func (s *Session) InterfaceType() visa.InterfaceType { return s.dev.Interface() }

// IsSerial reports whether the resource is on a serial interface.
func (s *Session) IsSerial() bool { return s.dev.Interface() == visa.InterfaceSerial }

// IsGPIB reports whether the resource is on a GPIB interface.
func (s *Session) IsGPIB() bool { return s.dev.Interface() == visa.InterfaceGPIB }

func (s *Session) ioTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return visa.TimeoutDuration(s.timeoutMS)
}

// Timeout returns the current I/O timeout in milliseconds.
func (s *Session) Timeout() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeoutMS == visa.TimeoutInfinite {
		return visa.Forever
	}

	return float64(s.timeoutMS)
}

// SetTimeout sets the I/O timeout in milliseconds.
func (s *Session) SetTimeout(ms float64) error {
	normalized, err := visa.NormalizeTimeout(ms)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.timeoutMS = normalized
	s.mu.Unlock()

	return nil
}

// ReadTermination returns the default read termination.
func (s *Session) ReadTermination() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readTerm
}

// SetReadTermination sets the default read termination.
func (s *Session) SetReadTermination(term string) error {
	if err := visa.ValidateTermination(term); err != nil {
		return err
	}
	s.mu.Lock()
	s.readTerm = term
	s.mu.Unlock()

	return nil
}

// WriteTermination returns the default write termination.
func (s *Session) WriteTermination() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeTerm
}

// SetWriteTermination sets the default write termination.
func (s *Session) SetWriteTermination(term string) {
	s.mu.Lock()
	s.writeTerm = term
	s.mu.Unlock()
}

func (s *Session) checkAccess() error {
	if s.closed.Load() {
		return visa.ErrSessionClosed
	}
	if s.dev.LockedAgainst(s.lib.domain, s.id) {
		return visa.ErrLocked
	}

	return nil
}

// ReadRaw reads one message worth of raw bytes: it blocks for the first
// chunk, then drains whatever else the device has pending.
func (s *Session) ReadRaw() ([]byte, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	p, err := s.dev.ReadBlocking(0, s.ioTimeout())
	if err != nil {
		s.postException(err)
		return nil, err
	}
	buf := append([]byte(nil), p...)
	for s.dev.Pending() > 0 {
		buf = append(buf, s.dev.TryRead(0)...)
	}

	return buf, nil
}

// ReadRawN issues one bounded read of at most n bytes. A read returning
// exactly n bytes records a warning because more data may be pending.
func (s *Session) ReadRawN(n int) ([]byte, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: read count %d", visa.ErrOutOfRange, n)
	}
	p, err := s.dev.ReadBlocking(n, s.ioTimeout())
	if err != nil {
		s.postException(err)
		return nil, err
	}
	if len(p) == n {
		s.Warnings.Warnf(visa.WarnMaxCount, "read returned the full requested count, more data may be pending")
	}
	s.events.Post(visa.Event{
		Type:      visa.EventIOCompletion,
		SessionID: s.id,
		Time:      time.Now(),
	})

	return p, nil
}

// WriteRaw writes raw bytes without termination handling.
func (s *Session) WriteRaw(p []byte) (int, error) {
	if err := s.checkAccess(); err != nil {
		return 0, err
	}
	n, err := s.dev.Write(p)
	if err != nil {
		s.postException(err)
		return n, err
	}

	return n, nil
}

// postException surfaces a failed operation as an exception event. The
// status attribute carries the closest status-code equivalent so handlers
// written against either generation can decode it.
func (s *Session) postException(err error) {
	st := visa.StatusErrorIO
	switch {
	case errors.Is(err, visa.ErrTimeout):
		st = visa.StatusErrorTimeout
	case errors.Is(err, visa.ErrLocked):
		st = visa.StatusErrorResourceLocked
	case errors.Is(err, visa.ErrBusy):
		st = visa.StatusErrorResourceBusy
	}
	s.events.Post(visa.Event{
		Type:      visa.EventException,
		SessionID: s.id,
		Status:    st,
		Time:      time.Now(),
	})
}

func lockWait(timeoutMS float64) (time.Duration, error) {
	normalized, err := visa.NormalizeTimeout(timeoutMS)
	if err != nil {
		return 0, err
	}

	return visa.TimeoutDuration(normalized), nil
}

// LockExclusive acquires an exclusive lock before timeoutMS elapses.
func (s *Session) LockExclusive(timeoutMS float64) error {
	wait, err := lockWait(timeoutMS)
	if err != nil {
		return err
	}
	_, err = s.dev.AcquireLock(s.lib.domain, s.id, visa.LockExclusive, "", wait)

	return err
}

// LockShared acquires a shared lock and returns the access key cooperating
// holders must present.
func (s *Session) LockShared(timeoutMS float64, requestedKey string) (string, error) {
	wait, err := lockWait(timeoutMS)
	if err != nil {
		return "", err
	}

	return s.dev.AcquireLock(s.lib.domain, s.id, visa.LockShared, requestedKey, wait)
}

// Unlock releases the session lock. Unlocking an unlocked session is not an
// error.
func (s *Session) Unlock() error {
	s.dev.ReleaseLock(s.lib.domain, s.id)

	return nil
}

// LockState returns the lock mode currently held by this session.
func (s *Session) LockState() visa.LockMode {
	return s.dev.LockMode(s.lib.domain, s.id)
}

// EnableEvent enables delivery of an event kind through the given mechanisms.
func (s *Session) EnableEvent(kind visa.EventType, mech visa.Mechanism) error {
	return s.events.Enable(kind, mech)
}

// DisableEvent disables delivery and drains queued events.
func (s *Session) DisableEvent(kind visa.EventType, mech visa.Mechanism) error {
	return s.events.Disable(kind, mech)
}

// DiscardEvents drains pending events without changing enablement.
func (s *Session) DiscardEvents(kind visa.EventType, mech visa.Mechanism) error {
	return s.events.Discard(kind, mech)
}

// WaitOnEvent blocks until an event of the kind is queued or timeoutMS
// elapses.
func (s *Session) WaitOnEvent(kind visa.EventType, timeoutMS float64) (*visa.WaitResponse, error) {
	return s.events.Wait(kind, timeoutMS)
}

// InstallHandler registers a callback for an event kind.
func (s *Session) InstallHandler(kind visa.EventType, fn visa.HandlerFunc, userHandle any) (visa.HandlerToken, error) {
	return s.events.Install(kind, fn, userHandle)
}

// UninstallHandler removes a previously installed callback.
func (s *Session) UninstallHandler(kind visa.EventType, token visa.HandlerToken) error {
	return s.events.Uninstall(kind, token)
}

// ReadSTB performs a serial poll and returns the status byte.
func (s *Session) ReadSTB() (byte, error) {
	if err := s.checkAccess(); err != nil {
		return 0, err
	}

	return s.dev.ReadSTB(), nil
}

// ControlREN drives the GPIB remote-enable line.
func (s *Session) ControlREN(mode visa.RENMode) error {
	return s.dev.ControlREN(mode)
}

// Trigger asserts a software trigger.
func (s *Session) Trigger() error {
	if err := s.checkAccess(); err != nil {
		return err
	}
	s.dev.Trigger()

	return nil
}

// Clear performs a device clear, flushing pending I/O.
func (s *Session) Clear() error {
	if err := s.checkAccess(); err != nil {
		return err
	}
	s.dev.Clear()

	return nil
}

// GetAttribute resolves an attribute through the redirection proxy.
func (s *Session) GetAttribute(id visa.AttrID) (any, error) {
	return s.proxy.Get(id)
}

// SetAttribute updates an attribute through the redirection proxy.
func (s *Session) SetAttribute(id visa.AttrID, value any) error {
	return s.proxy.Set(id, value)
}

// DeleteAttribute removes an attribute through the redirection proxy.
func (s *Session) DeleteAttribute(id visa.AttrID) error {
	return s.proxy.Delete(id)
}

// Close releases the session, its event registry, its SRQ subscription and
// every lock it still holds.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopSRQ)
	<-s.srqDone
	s.dev.Unsubscribe(s.srqID)
	s.events.Close()
	s.dev.ReleaseAllLocks(s.lib.domain, s.id)
	s.lib.sessions.Delete(s.id)

	return nil
}

// nativeAttrs exposes the native attribute surface of the session for the
// redirection proxy to wrap. This generation carries the read termination as
// a full string attribute rather than a single character plus enable flag.
type nativeAttrs struct {
	s *Session
}

var _ visa.AttrStore = (*nativeAttrs)(nil)

func (a *nativeAttrs) GetAttr(id visa.AttrID) (any, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	switch id {
	case visa.AttrResourceName:
		return s.dev.Name(), nil
	case visa.AttrInterfaceType:
		return s.dev.Interface(), nil
	case visa.AttrTimeout:
		return s.timeoutMS, nil
	case visa.AttrTermChar:
		if s.readTerm == "" {
			return byte('\n'), nil
		}
		return s.readTerm[len(s.readTerm)-1], nil
	case visa.AttrTermCharEnabled:
		return s.readTerm != "", nil
	case visa.AttrBaudRate:
		if s.dev.Interface() == visa.InterfaceSerial {
			return s.baudRate, nil
		}
	case visa.AttrParity:
		if s.dev.Interface() == visa.InterfaceSerial {
			return s.parity, nil
		}
	case visa.AttrDataBits:
		if s.dev.Interface() == visa.InterfaceSerial {
			return s.dataBits, nil
		}
	case visa.AttrFlowControl:
		if s.dev.Interface() == visa.InterfaceSerial {
			return s.flow, nil
		}
	default:
		if v, ok := s.extraAttrs[id]; ok {
			return v, nil
		}
	}

	return nil, visa.ErrAttrNotFound
}

func (a *nativeAttrs) SetAttr(id visa.AttrID, value any) error {
	s := a.s

	switch id {
	case visa.AttrTimeout:
		switch v := value.(type) {
		case uint32:
			if v == visa.TimeoutInfinite {
				return s.SetTimeout(visa.Forever)
			}
			return s.SetTimeout(float64(v))
		case float64:
			return s.SetTimeout(v)
		default:
			return fmt.Errorf("%w: timeout attribute must be numeric", visa.ErrOutOfRange)
		}
	case visa.AttrTermChar:
		b, ok := value.(byte)
		if !ok {
			return fmt.Errorf("%w: termination character must be a byte", visa.ErrOutOfRange)
		}
		return s.SetReadTermination(string(b))
	case visa.AttrTermCharEnabled:
		enabled, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: termination enable must be a bool", visa.ErrOutOfRange)
		}
		if !enabled {
			return s.SetReadTermination("")
		}
		if s.ReadTermination() == "" {
			return s.SetReadTermination("\n")
		}
		return nil
	case visa.AttrBaudRate:
		return a.setSerialInt(&s.baudRate, value)
	case visa.AttrDataBits:
		return a.setSerialInt(&s.dataBits, value)
	case visa.AttrParity:
		v, ok := value.(visa.Parity)
		if !ok || !s.IsSerial() {
			return visa.ErrAttrNotFound
		}
		s.mu.Lock()
		s.parity = v
		s.mu.Unlock()
		return nil
	case visa.AttrFlowControl:
		v, ok := value.(visa.FlowControl)
		if !ok || !s.IsSerial() {
			return visa.ErrAttrNotFound
		}
		s.mu.Lock()
		s.flow = v
		s.mu.Unlock()
		return nil
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.extraAttrs[id]; ok {
			s.extraAttrs[id] = value
			return nil
		}
		return visa.ErrAttrNotFound
	}
}

func (a *nativeAttrs) setSerialInt(field *int, value any) error {
	v, ok := value.(int)
	if !ok || !a.s.IsSerial() {
		return visa.ErrAttrNotFound
	}
	a.s.mu.Lock()
	*field = v
	a.s.mu.Unlock()

	return nil
}

func (a *nativeAttrs) HasAttr(id visa.AttrID) bool {
	_, err := a.GetAttr(id)

	return err == nil
}

func (a *nativeAttrs) DeleteAttr(id visa.AttrID) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.extraAttrs[id]; ok {
		delete(s.extraAttrs, id)
		return nil
	}

	return visa.ErrAttrNotFound
}
