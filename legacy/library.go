package legacy

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/instrlab/go-visa/logger"
	"github.com/instrlab/go-visa/sim"
	"github.com/instrlab/go-visa/visa"
)

// GenerationName identifies this backend generation.
const GenerationName = "legacy"

// Library is one loaded instance of the legacy native library.
//
// Each instance locks devices within its own lock domain, so its locks do not
// exclude sessions opened through other library instances or through the
// other generation. Callers that mix backends against one physical device
// must coordinate by other means.
type Library struct {
	bus      *sim.Bus
	domain   string
	logger   logger.Logger
	warnings *visa.Warnings

	sessions   *xsync.MapOf[uint32, *Session]
	sessionSeq atomic.Uint32
	closed     atomic.Bool
}

// Option configures a Library.
type Option interface {
	apply(*Library)
}

type optFunc func(*Library)

func (f optFunc) apply(l *Library) { f(l) }

// WithLogger sets the logger the library and its sessions log through.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(lib *Library) { lib.logger = l })
}

// WithWarnings sets the warning filter injected into opened sessions.
func WithWarnings(w *visa.Warnings) Option {
	return optFunc(func(lib *Library) { lib.warnings = w })
}

// NewLibrary loads the legacy backend over bus. It fails with
// ErrLibraryNotFound when the generation is not installed on the bench.
func NewLibrary(bus *sim.Bus, opts ...Option) (*Library, error) {
	if bus.GenerationDisabled(GenerationName) {
		return nil, fmt.Errorf("%w: %s", visa.ErrLibraryNotFound, GenerationName)
	}
	lib := &Library{
		bus:      bus,
		domain:   bus.NewLockDomain(GenerationName),
		logger:   logger.GetLogger(),
		sessions: xsync.NewMapOf[uint32, *Session](),
	}
	for _, opt := range opts {
		opt.apply(lib)
	}
	if lib.warnings == nil {
		lib.warnings = visa.NewWarnings(lib.logger)
	}

	return lib, nil
}

// Generation returns the backend generation name.
func (lib *Library) Generation() string { return GenerationName }

// FindResources enumerates resources matching a wildcard query.
func (lib *Library) FindResources(query string) (visa.FindList, error) {
	return lib.bus.Find(query)
}

// ResourceInfo normalizes a resource name and returns its alias, if known.
func (lib *Library) ResourceInfo(name string) (string, string, error) {
	return lib.bus.ResourceInfo(name)
}

// Open opens a session to the named resource.
func (lib *Library) Open(name string, opts *visa.OpenOptions) (visa.Session, error) {
	if lib.closed.Load() {
		return nil, visa.ErrSessionClosed
	}
	dev, ok := lib.bus.Device(name)
	if !ok {
		return nil, fmt.Errorf("%w: no device at %q", visa.ErrIO, name)
	}

	sess := newSession(context.Background(), lib, lib.sessionSeq.Add(1), dev)
	if err := sess.applyOptions(opts); err != nil {
		sess.Close()
		return nil, err
	}
	lib.sessions.Store(sess.ID(), sess)
	lib.logger.Debug("session opened", "generation", GenerationName, "resource", dev.Name(), "session", sess.ID())

	return sess, nil
}

// Close closes the library and every session it produced.
func (lib *Library) Close() error {
	lib.closed.Store(true)
	lib.sessions.Range(func(_ uint32, sess *Session) bool {
		_ = sess.Close()
		return true
	})

	return nil
}
