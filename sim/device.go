package sim

import (
	"strings"
	"sync"
	"time"

	"github.com/instrlab/go-visa/internal/pool"
	"github.com/instrlab/go-visa/logger"
	"github.com/instrlab/go-visa/visa"
)

// rqsBit is the request-service bit of the status byte. It is set when the
// device raises a service request and cleared by the next serial poll.
const rqsBit = 0x40

// Responder scripts a device. It receives one command with framing stripped
// and returns the reply payload; ok false means the command produces no
// reply. Responders run on the writer's goroutine under the device lock and
// must not call back into the device.
type Responder func(cmd string) (reply string, ok bool)

// EchoResponder replies to every command with the command itself.
func EchoResponder(cmd string) (string, bool) { return cmd, true }

// TableResponder scripts a device from a command-to-reply table. Lookup is
// exact; unknown commands produce no reply.
func TableResponder(table map[string]string) Responder {
	return func(cmd string) (string, bool) {
		reply, ok := table[cmd]
		return reply, ok
	}
}

// Device is one scripted instrument on a Bus.
type Device struct {
	name  string
	iface visa.InterfaceType

	mu        sync.Mutex
	responder Responder
	replyTerm string
	outbound  []byte
	notify    chan struct{}

	stb          byte
	subscribers  map[int]chan byte
	subscriberID int

	remote       bool
	lastREN      visa.RENMode
	renSupported bool
	triggerCount int

	// readQuantum bounds how many bytes one native read returns, so large
	// transfers exercise the chunked accumulation paths.
	readQuantum int

	locks  *lockTable
	logger logger.Logger
}

// DeviceConfig describes a device to register on a Bus.
type DeviceConfig struct {
	// Name is the resource name, e.g. "GPIB0::6::INSTR".
	Name string
	// Interface is the bus kind. Derived from Name when zero.
	Interface visa.InterfaceType
	// Responder scripts the replies. nil means no replies.
	Responder Responder
	// ReplyTerm is appended to every reply. Defaults to "\n".
	ReplyTerm string
	// ReadQuantum bounds the bytes one native read returns. Zero means
	// unbounded.
	ReadQuantum int
}

func newDevice(cfg DeviceConfig, l logger.Logger) *Device {
	if cfg.ReplyTerm == "" {
		cfg.ReplyTerm = "\n"
	}
	iface := cfg.Interface
	if iface == 0 {
		iface = interfaceOf(cfg.Name)
	}
	return &Device{
		name:         cfg.Name,
		iface:        iface,
		responder:    cfg.Responder,
		replyTerm:    cfg.ReplyTerm,
		notify:       make(chan struct{}, 1),
		subscribers:  make(map[int]chan byte),
		renSupported: iface == visa.InterfaceGPIB,
		readQuantum:  cfg.ReadQuantum,
		locks:        newLockTable(),
		logger:       l,
	}
}

func interfaceOf(name string) visa.InterfaceType {
	switch {
	case strings.HasPrefix(strings.ToUpper(name), "GPIB"):
		return visa.InterfaceGPIB
	case strings.HasPrefix(strings.ToUpper(name), "ASRL"):
		return visa.InterfaceSerial
	case strings.HasPrefix(strings.ToUpper(name), "USB"):
		return visa.InterfaceUSB
	case strings.HasPrefix(strings.ToUpper(name), "TCPIP"):
		return visa.InterfaceTCPIP
	default:
		return visa.InterfaceGPIB
	}
}

// Name returns the resource name the device was registered under.
func (d *Device) Name() string { return d.name }

// Interface returns the bus kind of the device.
func (d *Device) Interface() visa.InterfaceType { return d.iface }

// Write feeds one written message to the responder. Trailing CR/LF framing is
// stripped before the responder sees the command. A reply is appended to the
// outbound buffer with the device reply termination.
func (d *Device) Write(p []byte) (int, error) {
	cmd := strings.TrimRight(string(p), "\r\n")

	d.mu.Lock()
	if d.responder != nil {
		if reply, ok := d.responder(cmd); ok {
			d.outbound = append(d.outbound, []byte(reply+d.replyTerm)...)
			d.signalLocked()
		}
	}
	d.mu.Unlock()

	return len(p), nil
}

// Inject appends raw bytes to the outbound buffer without responder
// involvement, for tests that need exact payloads.
func (d *Device) Inject(p []byte) {
	d.mu.Lock()
	d.outbound = append(d.outbound, p...)
	d.signalLocked()
	d.mu.Unlock()
}

func (d *Device) signalLocked() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// ReadBlocking returns up to max outbound bytes, waiting until data arrives
// or timeout elapses. A zero timeout makes a single attempt; a negative
// timeout never expires. The returned slice is bounded by the device read
// quantum as well as max.
func (d *Device) ReadBlocking(max int, timeout time.Duration) ([]byte, error) {
	var deadlineCh <-chan time.Time
	if timeout > 0 {
		timer := pool.GetTimer(timeout)
		defer pool.PutTimer(timer)
		deadlineCh = timer.C
	}

	for {
		if p := d.TryRead(max); len(p) > 0 {
			return p, nil
		}
		if timeout == 0 {
			return nil, visa.ErrTimeout
		}
		select {
		case <-d.notify:
		case <-deadlineCh:
			return nil, visa.ErrTimeout
		}
	}
}

// TryRead drains up to max outbound bytes without blocking. It returns nil
// when nothing is pending.
func (d *Device) TryRead(max int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.outbound)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	if d.readQuantum > 0 && d.readQuantum < n {
		n = d.readQuantum
	}
	p := make([]byte, n)
	copy(p, d.outbound)
	d.outbound = d.outbound[n:]
	if len(d.outbound) > 0 {
		d.signalLocked()
	}

	return p
}

// Pending returns the number of buffered outbound bytes.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.outbound)
}

// RaiseSRQ sets the status byte with the request-service bit and notifies
// every subscriber, as an instrument asserting the SRQ line would.
func (d *Device) RaiseSRQ(stb byte) {
	d.mu.Lock()
	d.stb = stb | rqsBit
	subs := make([]chan byte, 0, len(d.subscribers))
	for _, ch := range d.subscribers {
		subs = append(subs, ch)
	}
	captured := d.stb
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- captured:
		default:
			if d.logger != nil {
				d.logger.Warn("srq subscriber channel full, notification dropped", "device", d.name)
			}
		}
	}
}

// ReadSTB performs a serial poll: it returns the status byte and clears the
// request-service bit.
func (d *Device) ReadSTB() byte {
	d.mu.Lock()
	stb := d.stb
	d.stb &^= rqsBit
	d.mu.Unlock()

	return stb
}

// Subscribe registers an SRQ listener and returns its channel plus an
// unsubscribe id. The channel is buffered; a full channel drops the
// notification rather than blocking the device.
func (d *Device) Subscribe() (int, <-chan byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subscriberID++
	id := d.subscriberID
	ch := make(chan byte, 16)
	d.subscribers[id] = ch

	return id, ch
}

// Unsubscribe removes an SRQ listener. Unknown ids are ignored.
func (d *Device) Unsubscribe(id int) {
	d.mu.Lock()
	delete(d.subscribers, id)
	d.mu.Unlock()
}

// ControlREN drives the remote-enable state of the device.
func (d *Device) ControlREN(mode visa.RENMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.renSupported {
		return visa.ErrUnsupported
	}
	d.lastREN = mode
	switch mode {
	case visa.RENAssert, visa.RENAssertAddress, visa.RENAssertAddressLLO:
		d.remote = true
	case visa.RENDeassert, visa.RENDeassertGTL, visa.RENAddressGTL:
		d.remote = false
	default:
		return visa.ErrOutOfRange
	}

	return nil
}

// Remote reports whether the device is in remote state.
func (d *Device) Remote() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.remote
}

// LastREN returns the most recent remote-enable operation.
func (d *Device) LastREN() visa.RENMode {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lastREN
}

// Trigger records a software trigger and forwards it to the responder as a
// "*TRG" command.
func (d *Device) Trigger() {
	d.mu.Lock()
	d.triggerCount++
	if d.responder != nil {
		if reply, ok := d.responder("*TRG"); ok {
			d.outbound = append(d.outbound, []byte(reply+d.replyTerm)...)
			d.signalLocked()
		}
	}
	d.mu.Unlock()
}

// TriggerCount returns the number of triggers received.
func (d *Device) TriggerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.triggerCount
}

// Clear performs a device clear: pending outbound data is flushed.
func (d *Device) Clear() {
	d.mu.Lock()
	d.outbound = nil
	d.mu.Unlock()
}

// AcquireLock takes a lock on the device within a lock domain.
func (d *Device) AcquireLock(domain string, session uint32, mode visa.LockMode, key string, timeout time.Duration) (string, error) {
	return d.locks.acquire(domain, session, mode, key, timeout)
}

// ReleaseLock undoes one lock acquisition. It is a no-op for a session that
// holds nothing.
func (d *Device) ReleaseLock(domain string, session uint32) {
	d.locks.release(domain, session)
}

// ReleaseAllLocks drops every acquisition held by session within domain.
func (d *Device) ReleaseAllLocks(domain string, session uint32) {
	d.locks.releaseAll(domain, session)
}

// LockMode returns the lock mode session holds within domain.
func (d *Device) LockMode(domain string, session uint32) visa.LockMode {
	return d.locks.mode(domain, session)
}

// LockedAgainst reports whether another session's lock within domain blocks
// session from I/O.
func (d *Device) LockedAgainst(domain string, session uint32) bool {
	return d.locks.heldAgainst(domain, session)
}
