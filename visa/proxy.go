package visa

import (
	"sync"
)

// AttrStore is the native attribute surface of a backend session.
type AttrStore interface {
	// GetAttr returns the value of a native attribute, or ErrAttrNotFound.
	GetAttr(id AttrID) (any, error)
	// SetAttr updates a native attribute, or returns ErrAttrNotFound when the
	// native session does not define it.
	SetAttr(id AttrID, value any) error
	// HasAttr reports whether the native session defines the attribute.
	HasAttr(id AttrID) bool
	// DeleteAttr removes a native attribute, or returns ErrAttrNotFound.
	DeleteAttr(id AttrID) error
}

// AttrProxy overlays proxy-local attribute definitions on a wrapped native
// attribute store.
//
// An adapter replaces only the handful of attributes that differ between
// backend generations by defining them locally, while every other attribute
// transparently reaches the wrapped native session unchanged.
type AttrProxy struct {
	mu     sync.RWMutex
	native AttrStore
	local  map[AttrID]any
}

// NewAttrProxy wraps a native attribute store.
func NewAttrProxy(native AttrStore) *AttrProxy {
	return &AttrProxy{
		native: native,
		local:  make(map[AttrID]any),
	}
}

// Get resolves proxy-local definitions first, then delegates to the wrapped
// store, and fails with ErrAttrNotFound when neither defines the attribute.
func (p *AttrProxy) Get(id AttrID) (any, error) {
	p.mu.RLock()
	if v, ok := p.local[id]; ok {
		p.mu.RUnlock()
		return v, nil
	}
	p.mu.RUnlock()

	return p.native.GetAttr(id)
}

// Set updates a proxy-local attribute when one exists, delegates to the
// wrapped store when it defines the attribute, and otherwise creates the
// attribute fresh on the proxy so new proxy-only attributes never shadow
// native ones.
func (p *AttrProxy) Set(id AttrID, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.local[id]; ok {
		p.local[id] = value
		return nil
	}
	if p.native.HasAttr(id) {
		return p.native.SetAttr(id, value)
	}
	p.local[id] = value

	return nil
}

// Define force-creates a proxy-local attribute, overriding any native
// definition of the same identifier from now on.
func (p *AttrProxy) Define(id AttrID, value any) {
	p.mu.Lock()
	p.local[id] = value
	p.mu.Unlock()
}

// Delete removes a proxy-local attribute when one exists, else delegates to
// the wrapped store.
func (p *AttrProxy) Delete(id AttrID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.local[id]; ok {
		delete(p.local, id)
		return nil
	}

	return p.native.DeleteAttr(id)
}

// IsLocal reports whether the attribute is currently defined on the proxy.
func (p *AttrProxy) IsLocal(id AttrID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.local[id]

	return ok
}
