package visa

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is an event callback. It runs on the session dispatch goroutine
// and must not call back into blocking session operations. The returned status
// is logged but does not affect delivery.
type HandlerFunc func(sessionID uint32, kind EventType, ctx *EventContext, userHandle any) Status

// HandlerToken identifies one installed callback. Tokens are compared by
// value; the zero token is never issued.
type HandlerToken struct {
	SessionID uint32
	Kind      EventType
	Mech      Mechanism
	Seq       uint64
}

// Handler is a self-checking diagnostic callback record. Its callback
// verifies every delivery argument against what was registered and records
// mismatches instead of failing, so a soak test can assert on the aggregate
// afterwards.
type Handler struct {
	session    Session
	kind       EventType
	userHandle any

	token     HandlerToken
	installed bool

	count          atomic.Int64
	wrongType      atomic.Bool
	wrongCntxType  atomic.Bool
	wrongHandle    atomic.Bool
	wrongSession   atomic.Bool
	blockTime      time.Duration
	lastMu         sync.Mutex
	last           time.Time
	done           chan struct{}
	doneAfter      int64
	doneOnce       sync.Once
}

// NewHandler creates a diagnostic handler record for sess and kind.
// userHandle is echoed back on every delivery and checked for identity.
func NewHandler(sess Session, kind EventType, userHandle any) *Handler {
	return &Handler{
		session:    sess,
		kind:       kind,
		userHandle: userHandle,
		done:       make(chan struct{}),
	}
}

// SetBlockTime makes the callback sleep for d on every delivery, to exercise
// dispatch serialization under load.
func (h *Handler) SetBlockTime(d time.Duration) { h.blockTime = d }

// SetDoneAfter arms the Done channel to close once n deliveries have been
// observed.
func (h *Handler) SetDoneAfter(n int64) { h.doneAfter = n }

// Done is closed after the delivery count armed by SetDoneAfter is reached.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Install registers the callback on the session. Installing an already
// installed record is a no-op.
func (h *Handler) Install() error {
	if h.installed {
		return nil
	}
	token, err := h.session.InstallHandler(h.kind, h.callback, h.userHandle)
	if err != nil {
		return err
	}
	h.token = token
	h.installed = true

	return nil
}

// Uninstall removes the callback. Uninstalling a record that is not installed
// is a no-op.
func (h *Handler) Uninstall() error {
	if !h.installed {
		return nil
	}
	h.installed = false

	return h.session.UninstallHandler(h.kind, h.token)
}

func (h *Handler) callback(sessionID uint32, kind EventType, ctx *EventContext, userHandle any) Status {
	if kind != h.kind {
		h.wrongType.Store(true)
	}
	if ctx != nil {
		if v, err := ctx.GetAttr(AttrEventType); err != nil || v != h.kind {
			h.wrongCntxType.Store(true)
		}
	}
	if !reflect.DeepEqual(userHandle, h.userHandle) {
		h.wrongHandle.Store(true)
	}
	if sessionID != h.session.ID() {
		h.wrongSession.Store(true)
	}

	h.lastMu.Lock()
	h.last = time.Now()
	h.lastMu.Unlock()

	if h.blockTime > 0 {
		time.Sleep(h.blockTime)
	}

	n := h.count.Add(1)
	if h.doneAfter > 0 && n >= h.doneAfter {
		h.doneOnce.Do(func() { close(h.done) })
	}

	return StatusSuccess
}

// Count returns the number of deliveries observed so far.
func (h *Handler) Count() int64 { return h.count.Load() }

// Last returns the time of the most recent delivery.
func (h *Handler) Last() time.Time {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()

	return h.last
}

// Clean reports whether no argument mismatch was recorded across all
// deliveries.
func (h *Handler) Clean() bool {
	return !h.wrongType.Load() && !h.wrongCntxType.Load() &&
		!h.wrongHandle.Load() && !h.wrongSession.Load()
}

// Mismatches returns the individual mismatch flags: delivered kind, context
// event type, user handle identity and session identity.
func (h *Handler) Mismatches() (wrongType, wrongCntxType, wrongHandle, wrongSession bool) {
	return h.wrongType.Load(), h.wrongCntxType.Load(), h.wrongHandle.Load(), h.wrongSession.Load()
}
