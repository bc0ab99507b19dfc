package sim

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/instrlab/go-visa/internal/pool"
	"github.com/instrlab/go-visa/visa"
)

// lockState is the lock held on one device within one lock domain.
//
// Each backend library instance locks in its own domain, so a lock taken
// through one generation does not exclude sessions of the other generation
// addressing the same device. That mirrors real native libraries, which do
// not share lock tables across vendors.
type lockState struct {
	mode   visa.LockMode
	owner  uint32
	key    string
	shared map[uint32]int
}

// lockTable holds the per-domain lock states of one device.
type lockTable struct {
	mu      sync.Mutex
	domains map[string]*lockState
	changed chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		domains: make(map[string]*lockState),
		changed: make(chan struct{}),
	}
}

// wakeWaiters replaces the broadcast channel so every blocked acquirer
// re-evaluates the table. Callers hold t.mu.
func (t *lockTable) wakeWaiters() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// acquire takes a lock for session within domain, blocking up to timeout.
// A zero timeout makes a single attempt; a negative timeout never expires.
// For shared locks an empty key asks for a generated one; a non-empty key
// must match the key of the current shared holders.
func (t *lockTable) acquire(domain string, session uint32, mode visa.LockMode, key string, timeout time.Duration) (string, error) {
	if mode != visa.LockExclusive && mode != visa.LockShared {
		return "", visa.ErrInvalidAccessKey
	}

	var deadlineCh <-chan time.Time
	if timeout > 0 {
		timer := pool.GetTimer(timeout)
		defer pool.PutTimer(timer)
		deadlineCh = timer.C
	}

	for {
		t.mu.Lock()
		granted, retry, err := t.tryAcquire(domain, session, mode, key)
		wait := t.changed
		t.mu.Unlock()

		if err != nil {
			return "", err
		}
		if !retry {
			return granted, nil
		}
		if timeout == 0 {
			return "", visa.ErrTimeout
		}
		select {
		case <-wait:
		case <-deadlineCh:
			return "", visa.ErrTimeout
		}
	}
}

// tryAcquire attempts one acquisition. Callers hold t.mu. retry is true when
// the lock is held incompatibly and the caller should wait.
func (t *lockTable) tryAcquire(domain string, session uint32, mode visa.LockMode, key string) (granted string, retry bool, err error) {
	state, ok := t.domains[domain]
	if !ok {
		state = &lockState{shared: make(map[uint32]int)}
		t.domains[domain] = state
	}

	switch state.mode {
	case visa.LockNone:
		if mode == visa.LockExclusive {
			state.mode = visa.LockExclusive
			state.owner = session
			return "", false, nil
		}
		if key == "" {
			key = uuid.NewString()
		}
		state.mode = visa.LockShared
		state.key = key
		state.shared[session]++
		return key, false, nil

	case visa.LockExclusive:
		// The native layer does not nest: a second exclusive acquisition
		// waits even when the same session already holds the lock.
		return "", true, nil

	case visa.LockShared:
		if mode == visa.LockExclusive {
			// A sole shared holder may upgrade; anyone else must wait.
			if _, held := state.shared[session]; held && len(state.shared) == 1 {
				state.mode = visa.LockExclusive
				state.owner = session
				state.key = ""
				clear(state.shared)
				return "", false, nil
			}
			return "", true, nil
		}
		if key != "" && key != state.key {
			return "", false, visa.ErrInvalidAccessKey
		}
		state.shared[session]++
		return state.key, false, nil
	}

	return "", false, visa.ErrInvalidAccessKey
}

// release undoes one acquisition by session within domain. Releasing a lock
// the session does not hold is a no-op.
func (t *lockTable) release(domain string, session uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.domains[domain]
	if !ok {
		return
	}
	switch state.mode {
	case visa.LockExclusive:
		if state.owner != session {
			return
		}
		delete(t.domains, domain)
		t.wakeWaiters()
	case visa.LockShared:
		n, held := state.shared[session]
		if !held {
			return
		}
		if n <= 1 {
			delete(state.shared, session)
		} else {
			state.shared[session] = n - 1
		}
		if len(state.shared) == 0 {
			delete(t.domains, domain)
			t.wakeWaiters()
		}
	}
}

// releaseAll drops every acquisition by session within domain, for session
// close paths.
func (t *lockTable) releaseAll(domain string, session uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.domains[domain]
	if !ok {
		return
	}
	switch state.mode {
	case visa.LockExclusive:
		if state.owner == session {
			delete(t.domains, domain)
			t.wakeWaiters()
		}
	case visa.LockShared:
		if _, held := state.shared[session]; held {
			delete(state.shared, session)
			if len(state.shared) == 0 {
				delete(t.domains, domain)
				t.wakeWaiters()
			}
		}
	}
}

// mode returns the lock mode session currently holds within domain.
func (t *lockTable) mode(domain string, session uint32) visa.LockMode {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.domains[domain]
	if !ok {
		return visa.LockNone
	}
	switch state.mode {
	case visa.LockExclusive:
		if state.owner == session {
			return visa.LockExclusive
		}
	case visa.LockShared:
		if _, held := state.shared[session]; held {
			return visa.LockShared
		}
	}

	return visa.LockNone
}

// heldAgainst reports whether another holder in domain blocks session from
// I/O access.
func (t *lockTable) heldAgainst(domain string, session uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.domains[domain]
	if !ok {
		return false
	}

	return state.mode == visa.LockExclusive && state.owner != session
}
