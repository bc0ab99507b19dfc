package visa

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/instrlab/go-visa/internal/pool"
	"github.com/instrlab/go-visa/internal/queue"
	"github.com/instrlab/go-visa/internal/task"
	"github.com/instrlab/go-visa/logger"
)

// Event is one asynchronous notification produced by a backend.
type Event struct {
	Type      EventType
	SessionID uint32
	STB       byte
	Status    Status
	Time      time.Time
}

// EventContext is the attribute view of one delivered event. Contexts are
// pooled; each one is released exactly once, either by WaitResponse.Close or
// by the dispatcher after the last handler returns.
type EventContext struct {
	eventType EventType
	sessionID uint32
	stb       byte
	status    Status
	time      time.Time
}

var eventCtxPool = sync.Pool{
	New: func() any { return &EventContext{} },
}

func newEventContext(ev Event) *EventContext {
	ctx, _ := eventCtxPool.Get().(*EventContext)
	ctx.eventType = ev.Type
	ctx.sessionID = ev.SessionID
	ctx.stb = ev.STB
	ctx.status = ev.Status
	ctx.time = ev.Time

	return ctx
}

func (c *EventContext) release() {
	*c = EventContext{}
	eventCtxPool.Put(c)
}

// EventType returns the event kind recorded in the context itself.
func (c *EventContext) EventType() EventType { return c.eventType }

// SessionID returns the session the event was delivered for.
func (c *EventContext) SessionID() uint32 { return c.sessionID }

// STB returns the status byte captured when the event was raised.
func (c *EventContext) STB() byte { return c.stb }

// StatusCode returns the status recorded for exception events.
func (c *EventContext) StatusCode() Status { return c.status }

// Time returns when the event was raised.
func (c *EventContext) Time() time.Time { return c.time }

// GetAttr resolves an event-context attribute.
func (c *EventContext) GetAttr(id AttrID) (any, error) {
	switch id {
	case AttrEventType:
		return c.eventType, nil
	case AttrStatusCode:
		return c.status, nil
	case AttrSTB:
		return c.stb, nil
	default:
		return nil, ErrAttrNotFound
	}
}

// WaitResponse is the result of a blocking event wait. It owns the event
// context handle and must release it exactly once, on Close, on every exit
// path including timeout.
type WaitResponse struct {
	EventType EventType
	Context   *EventContext
	Status    Status
	TimedOut  bool

	closeOnce sync.Once
}

// Close releases the owned event context. Safe to call more than once.
func (r *WaitResponse) Close() {
	r.closeOnce.Do(func() {
		if r.Context != nil {
			r.Context.release()
			r.Context = nil
		}
	})
}

// CapabilityFunc reports whether a backend/device can deliver the given
// (kind, mechanism) combination. Returning ErrUnsupported blocks the enable
// or handler installation.
type CapabilityFunc func(kind EventType, mech Mechanism) error

// eventState tracks the per-(session, kind) delivery state machine:
// Disabled -> Enabled(mechanisms) -> Disabled.
type eventState struct {
	mu        sync.Mutex
	mech      Mechanism
	queued    *queue.Queue[Event]
	suspended *queue.Queue[Event]
	notify    chan struct{}
}

func newEventState() *eventState {
	return &eventState{
		queued:    queue.New[Event](4),
		suspended: queue.New[Event](4),
		notify:    make(chan struct{}, 1),
	}
}

type handlerEntry struct {
	token      HandlerToken
	fn         HandlerFunc
	userHandle any
}

type handlerList struct {
	mu      sync.Mutex
	entries []handlerEntry
}

// EventRegistry implements the event/handler subsystem for one session.
//
// Queued events are polled with Wait; handler events are dispatched by one
// goroutine per registry, so individual callbacks are serialized within a
// session while ordering across distinct sessions stays unspecified.
type EventRegistry struct {
	sessionID uint32
	caps      CapabilityFunc
	logger    logger.Logger

	states   *xsync.MapOf[EventType, *eventState]
	handlers *xsync.MapOf[EventType, *handlerList]

	dispatchCh chan Event
	tasks      *task.Manager
	tokenSeq   uint64
	tokenMu    sync.Mutex

	anyNotify chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewEventRegistry creates the registry for a session and starts its dispatch
// goroutine. caps may be nil when the backend has no delivery restrictions.
func NewEventRegistry(ctx context.Context, sessionID uint32, caps CapabilityFunc, l logger.Logger) *EventRegistry {
	if l == nil {
		l = logger.GetLogger()
	}
	r := &EventRegistry{
		sessionID:  sessionID,
		caps:       caps,
		logger:     l,
		states:     xsync.NewMapOf[EventType, *eventState](),
		handlers:   xsync.NewMapOf[EventType, *handlerList](),
		dispatchCh: make(chan Event, 32),
		anyNotify:  make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	r.tasks = task.NewManager(ctx, l)
	r.tasks.Start("event-dispatch", r.dispatchLoop)

	return r
}

func (r *EventRegistry) checkCaps(kind EventType, mech Mechanism) error {
	if r.caps == nil {
		return nil
	}
	return r.caps(kind, mech)
}

// Enable enables delivery of kind through mech. Enabling is additive across
// mechanisms and idempotent for an already-enabled pair. Re-enabling handler
// delivery flushes events parked by the suspend mechanism.
func (r *EventRegistry) Enable(kind EventType, mech Mechanism) error {
	if !kind.valid() || kind == EventAll {
		return ErrInvalidEvent
	}
	if !mech.valid() {
		return ErrInvalidMechanism
	}
	// Live and suspended handler delivery are mutually exclusive requests.
	if mech&MechHandler != 0 && mech&MechSuspendHandler != 0 {
		return ErrInvalidMechanism
	}
	if err := r.checkCaps(kind, mech); err != nil {
		return err
	}
	if mech&MechHandler != 0 && !r.HandlersInstalled(kind) {
		return ErrHandlerNotInstalled
	}

	state, _ := r.states.LoadOrCompute(kind, newEventState)

	state.mu.Lock()
	state.mech |= mech
	var flush []Event
	if mech&MechHandler != 0 {
		flush = state.suspended.Drain()
	}
	state.mu.Unlock()

	for _, ev := range flush {
		r.sendToDispatch(ev)
	}

	return nil
}

// Disable disables delivery of kind through mech and drains any events
// already queued for the disabled mechanisms. Disabling something that is not
// enabled is a no-op. kind may be EventAll.
func (r *EventRegistry) Disable(kind EventType, mech Mechanism) error {
	if !kind.valid() {
		return ErrInvalidEvent
	}
	if !mech.valid() {
		return ErrInvalidMechanism
	}

	r.eachState(kind, func(state *eventState) {
		state.mu.Lock()
		state.mech &^= mech
		if mech&MechQueue != 0 {
			state.queued.Drain()
		}
		if mech&MechSuspendHandler != 0 {
			state.suspended.Drain()
		}
		state.mu.Unlock()
	})

	return nil
}

// Discard drains pending events for the given mechanisms without changing
// enablement. kind may be EventAll.
func (r *EventRegistry) Discard(kind EventType, mech Mechanism) error {
	if !kind.valid() {
		return ErrInvalidEvent
	}
	if !mech.valid() {
		return ErrInvalidMechanism
	}

	r.eachState(kind, func(state *eventState) {
		state.mu.Lock()
		if mech&MechQueue != 0 {
			state.queued.Drain()
		}
		if mech&MechSuspendHandler != 0 {
			state.suspended.Drain()
		}
		state.mu.Unlock()
	})

	return nil
}

func (r *EventRegistry) eachState(kind EventType, fn func(*eventState)) {
	if kind == EventAll {
		r.states.Range(func(_ EventType, state *eventState) bool {
			fn(state)
			return true
		})
		return
	}
	if state, ok := r.states.Load(kind); ok {
		fn(state)
	}
}

// Wait blocks until an event of the kind is queued or the timeout elapses.
// kind may be EventAll to wait on every queue-enabled kind. Waiting on a kind
// that was never enabled for queued delivery fails with ErrInvalidEvent.
func (r *EventRegistry) Wait(kind EventType, timeoutMS float64) (*WaitResponse, error) {
	if !kind.valid() {
		return nil, ErrInvalidEvent
	}
	normalized, err := NormalizeTimeout(timeoutMS)
	if err != nil {
		return nil, err
	}

	states, notify := r.waitTargets(kind)
	if len(states) == 0 {
		return nil, ErrInvalidEvent
	}

	var deadlineCh <-chan time.Time
	if normalized != TimeoutInfinite && normalized != TimeoutImmediate {
		t := pool.GetTimer(TimeoutDuration(normalized))
		defer pool.PutTimer(t)
		deadlineCh = t.C
	}

	for {
		if resp, ok := r.popQueued(states); ok {
			return resp, nil
		}
		if normalized == TimeoutImmediate {
			return nil, ErrTimeout
		}
		select {
		case <-notify:
		case <-deadlineCh:
			return nil, ErrTimeout
		case <-r.closed:
			return nil, ErrSessionClosed
		}
	}
}

func (r *EventRegistry) waitTargets(kind EventType) ([]*eventState, chan struct{}) {
	if kind == EventAll {
		var states []*eventState
		for _, k := range []EventType{EventServiceRequest, EventIOCompletion, EventException} {
			if state, ok := r.states.Load(k); ok {
				state.mu.Lock()
				enabled := state.mech&MechQueue != 0
				state.mu.Unlock()
				if enabled {
					states = append(states, state)
				}
			}
		}
		return states, r.anyNotify
	}

	state, ok := r.states.Load(kind)
	if !ok {
		return nil, nil
	}
	state.mu.Lock()
	enabled := state.mech&MechQueue != 0
	state.mu.Unlock()
	if !enabled {
		return nil, nil
	}

	return []*eventState{state}, state.notify
}

func (r *EventRegistry) popQueued(states []*eventState) (*WaitResponse, bool) {
	for _, state := range states {
		ev, ok := state.queued.Dequeue()
		if !ok {
			continue
		}
		status := StatusSuccess
		if !state.queued.IsEmpty() {
			status = StatusSuccessQueueNotEmpty
		}
		return &WaitResponse{
			EventType: ev.Type,
			Context:   newEventContext(ev),
			Status:    status,
		}, true
	}

	return nil, false
}

// Install registers a callback for kind and returns a registration token.
// It fails with ErrUnsupported when the backend or device cannot deliver
// handler-mode notifications for the kind.
func (r *EventRegistry) Install(kind EventType, fn HandlerFunc, userHandle any) (HandlerToken, error) {
	if !kind.valid() || kind == EventAll {
		return HandlerToken{}, ErrInvalidEvent
	}
	if fn == nil {
		return HandlerToken{}, ErrHandlerNotInstalled
	}
	if err := r.checkCaps(kind, MechHandler); err != nil {
		return HandlerToken{}, err
	}

	r.tokenMu.Lock()
	r.tokenSeq++
	token := HandlerToken{SessionID: r.sessionID, Kind: kind, Mech: MechHandler, Seq: r.tokenSeq}
	r.tokenMu.Unlock()

	list, _ := r.handlers.LoadOrCompute(kind, func() *handlerList { return &handlerList{} })
	list.mu.Lock()
	list.entries = append(list.entries, handlerEntry{token: token, fn: fn, userHandle: userHandle})
	list.mu.Unlock()

	return token, nil
}

// Uninstall removes the callback registered under token. Uninstalling a token
// that is not installed is a no-op.
func (r *EventRegistry) Uninstall(kind EventType, token HandlerToken) error {
	list, ok := r.handlers.Load(kind)
	if !ok {
		return nil
	}
	list.mu.Lock()
	for i, entry := range list.entries {
		if entry.token == token {
			list.entries = append(list.entries[:i], list.entries[i+1:]...)
			break
		}
	}
	list.mu.Unlock()

	return nil
}

// HandlersInstalled reports whether any callback is registered for kind.
func (r *EventRegistry) HandlersInstalled(kind EventType) bool {
	list, ok := r.handlers.Load(kind)
	if !ok {
		return false
	}
	list.mu.Lock()
	defer list.mu.Unlock()

	return len(list.entries) > 0
}

// Post routes one event according to the current enablement of its kind.
// It is called from backend notification goroutines.
func (r *EventRegistry) Post(ev Event) {
	select {
	case <-r.closed:
		return
	default:
	}

	state, ok := r.states.Load(ev.Type)
	if !ok {
		return
	}
	state.mu.Lock()
	mech := state.mech
	if mech&MechQueue != 0 {
		state.queued.Enqueue(ev)
	}
	if mech&MechSuspendHandler != 0 && mech&MechHandler == 0 {
		state.suspended.Enqueue(ev)
	}
	state.mu.Unlock()

	if mech&MechQueue != 0 {
		signal(state.notify)
		signal(r.anyNotify)
	}
	if mech&MechHandler != 0 {
		r.sendToDispatch(ev)
	}
}

func (r *EventRegistry) sendToDispatch(ev Event) {
	select {
	case r.dispatchCh <- ev:
	case <-r.tasks.Context().Done():
	}
}

func (r *EventRegistry) dispatchLoop() bool {
	select {
	case <-r.tasks.Context().Done():
		return false
	case ev := <-r.dispatchCh:
		r.dispatch(ev)
		return true
	}
}

// dispatch invokes every handler registered for the event kind, in
// installation order, on the dispatch goroutine. The context is released
// after the last handler returns.
func (r *EventRegistry) dispatch(ev Event) {
	list, ok := r.handlers.Load(ev.Type)
	if !ok {
		return
	}
	list.mu.Lock()
	entries := make([]handlerEntry, len(list.entries))
	copy(entries, list.entries)
	list.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	ctx := newEventContext(ev)
	defer ctx.release()
	for _, entry := range entries {
		status := entry.fn(ev.SessionID, ev.Type, ctx, entry.userHandle)
		if status != StatusSuccess {
			r.logger.Debug("handler returned non-success status",
				"session", ev.SessionID, "event", ev.Type.String(), "status", uint32(status))
		}
	}
}

// Close stops the dispatch goroutine and drains every queue. Safe to call
// more than once.
func (r *EventRegistry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.tasks.Stop()
		r.tasks.Wait()
		r.states.Range(func(_ EventType, state *eventState) bool {
			state.mu.Lock()
			state.queued.Drain()
			state.suspended.Drain()
			state.mu.Unlock()
			return true
		})
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
