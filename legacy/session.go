package legacy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/instrlab/go-visa/sim"
	"github.com/instrlab/go-visa/visa"
)

// defaultTimeoutSec is the native default timeout. The native unit is
// seconds; the adapter converts at the boundary.
const defaultTimeoutSec = 2.0

// Session adapts one legacy native session to the common contract.
type Session struct {
	visa.BaseSession

	id  uint32
	lib *Library
	dev *sim.Device

	mu          sync.Mutex
	timeoutSecV float64
	readTerm    string
	writeTerm   string
	termChar    byte
	termEnabled bool
	baudRate    int
	parity      visa.Parity
	dataBits    int
	flow        visa.FlowControl
	extraAttrs  map[visa.AttrID]any

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
		id:          id,
		lib:         lib,
		dev:         dev,
		timeoutSecV: defaultTimeoutSec,
		// This generation has no per-direction termination attributes and
		// frames every write with CR+LF.
		writeTerm:  "\r\n",
		termChar:   '\n',
		baudRate:   9600,
		dataBits:   8,
		extraAttrs: make(map[visa.AttrID]any),
		stopSRQ:    make(chan struct{}),
		srqDone:    make(chan struct{}),
	}
	s.proxy = visa.NewAttrProxy(&nativeAttrs{s: s})
	s.proxy.Define(visa.AttrManufName, "Legacy Instrument Library")
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

// eventCaps enforces the generation's delivery restrictions: service requests
// are not available at all on serial interfaces, and exception events cannot
// be queued.
func (s *Session) eventCaps(kind visa.EventType, mech visa.Mechanism) error {
	if kind == visa.EventServiceRequest && s.IsSerial() {
		return fmt.Errorf("%w: service request events on a serial interface", visa.ErrUnsupported)
	}
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

func (s *Session) timeoutSec() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.timeoutSecV
}

// Timeout returns the current I/O timeout in milliseconds.
func (s *Session) Timeout() float64 {
	sec := s.timeoutSec()
	if math.IsInf(sec, 1) {
		return visa.Forever
	}

	return sec * 1000
}

// SetTimeout sets the I/O timeout in milliseconds, converting to the native
// seconds unit.
func (s *Session) SetTimeout(ms float64) error {
	normalized, err := visa.NormalizeTimeout(ms)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if normalized == visa.TimeoutInfinite {
		s.timeoutSecV = math.Inf(1)
	} else {
		s.timeoutSecV = float64(normalized) / 1000
	}
	s.mu.Unlock()

	return nil
}

// ReadTermination returns the default read termination.
func (s *Session) ReadTermination() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readTerm
}

// SetReadTermination sets the default read termination and keeps the native
// termination-character attributes in step.
func (s *Session) SetReadTermination(term string) error {
	if err := visa.ValidateTermination(term); err != nil {
		return err
	}
	s.mu.Lock()
	s.readTerm = term
	if term != "" {
		s.termChar = term[len(term)-1]
		s.termEnabled = true
	} else {
		s.termEnabled = false
	}
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

// ReadRaw reads one message worth of raw bytes: it blocks for the first
// chunk, then drains whatever else the device has pending.
func (s *Session) ReadRaw() ([]byte, error) {
	if s.closed.Load() {
		return nil, visa.ErrSessionClosed
	}
	p, st := s.viRead(0)
	if err := st.Err(); err != nil {
		s.postException(st)
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
	if s.closed.Load() {
		return nil, visa.ErrSessionClosed
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: read count %d", visa.ErrOutOfRange, n)
	}
	p, st := s.viRead(n)
	if err := st.Err(); err != nil {
		s.postException(st)
		return nil, err
	}
	if st == visa.StatusSuccessMaxCount {
		s.Warnings.Warnf(visa.WarnMaxCount, "read returned the full requested count, more data may be pending")
	}
	s.events.Post(visa.Event{
		Type:      visa.EventIOCompletion,
		SessionID: s.id,
		Status:    st,
		Time:      time.Now(),
	})

	return p, nil
}

// WriteRaw writes raw bytes without termination handling.
func (s *Session) WriteRaw(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, visa.ErrSessionClosed
	}
	n, st := s.viWrite(p)
	if err := st.Err(); err != nil {
		s.postException(st)
		return n, err
	}

	return n, nil
}

func (s *Session) postException(st visa.Status) {
	s.events.Post(visa.Event{
		Type:      visa.EventException,
		SessionID: s.id,
		Status:    st,
		Time:      time.Now(),
	})
}

// toNativeSeconds converts a normalized millisecond timeout to the native
// seconds unit.
func toNativeSeconds(normalized uint32) float64 {
	if normalized == visa.TimeoutInfinite {
		return math.Inf(1)
	}

	return float64(normalized) / 1000
}

// LockExclusive acquires an exclusive lock before timeoutMS elapses.
func (s *Session) LockExclusive(timeoutMS float64) error {
	normalized, err := visa.NormalizeTimeout(timeoutMS)
	if err != nil {
		return err
	}
	_, st := s.viLock(visa.LockExclusive, "", toNativeSeconds(normalized))

	return st.Err()
}

// LockShared acquires a shared lock and returns the access key cooperating
// holders must present.
func (s *Session) LockShared(timeoutMS float64, requestedKey string) (string, error) {
	normalized, err := visa.NormalizeTimeout(timeoutMS)
	if err != nil {
		return "", err
	}
	key, st := s.viLock(visa.LockShared, requestedKey, toNativeSeconds(normalized))

	return key, st.Err()
}

// Unlock releases the session lock. Unlocking an unlocked session is not an
// error.
func (s *Session) Unlock() error {
	return s.viUnlock().Err()
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
	if s.closed.Load() {
		return 0, visa.ErrSessionClosed
	}
	stb, st := s.viReadSTB()

	return stb, st.Err()
}

// ControlREN drives the GPIB remote-enable line.
func (s *Session) ControlREN(mode visa.RENMode) error {
	return s.viGpibControlREN(mode).Err()
}

// Trigger asserts a software trigger.
func (s *Session) Trigger() error {
	return s.viAssertTrigger().Err()
}

// Clear performs a device clear, flushing pending I/O.
func (s *Session) Clear() error {
	return s.viClear().Err()
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
// redirection proxy to wrap.
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
		if math.IsInf(s.timeoutSecV, 1) {
			return visa.TimeoutInfinite, nil
		}
		return uint32(s.timeoutSecV * 1000), nil
	case visa.AttrTermChar:
		return s.termChar, nil
	case visa.AttrTermCharEnabled:
		return s.termEnabled, nil
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
		s.mu.Lock()
		s.termChar = b
		if s.termEnabled {
			s.readTerm = string(b)
		}
		s.mu.Unlock()
		return nil
	case visa.AttrTermCharEnabled:
		enabled, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: termination enable must be a bool", visa.ErrOutOfRange)
		}
		s.mu.Lock()
		s.termEnabled = enabled
		if enabled {
			s.readTerm = string(s.termChar)
		} else {
			s.readTerm = ""
		}
		s.mu.Unlock()
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
