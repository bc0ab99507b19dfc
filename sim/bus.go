package sim

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/instrlab/go-visa/logger"
	"github.com/instrlab/go-visa/visa"
)

// Bus is an in-memory instrument bench shared by backend instances.
type Bus struct {
	mu      sync.Mutex
	devices map[string]*Device // keyed by upper-cased normalized name
	aliases map[string]string  // exact normalized name -> alias

	disabled  *xsync.MapOf[string, bool]
	domainSeq atomic.Uint64
	openFinds atomic.Int64

	// failFindAfter > 0 makes enumerations fail after that many names, to
	// exercise partial enumeration cleanup.
	failFindAfter atomic.Int64

	logger logger.Logger
}

// NewBus creates an empty bus.
func NewBus(l logger.Logger) *Bus {
	if l == nil {
		l = logger.GetLogger()
	}
	return &Bus{
		devices:  make(map[string]*Device),
		aliases:  make(map[string]string),
		disabled: xsync.NewMapOf[string, bool](),
		logger:   l,
	}
}

// AddDevice registers a device described by cfg and returns it.
func (b *Bus) AddDevice(cfg DeviceConfig) *Device {
	cfg.Name = NormalizeName(cfg.Name)
	dev := newDevice(cfg, b.logger)

	b.mu.Lock()
	b.devices[strings.ToUpper(cfg.Name)] = dev
	b.mu.Unlock()

	return dev
}

// SetAlias associates an alias with a resource name. Alias lookup is
// case-sensitive on the normalized name, the way some native libraries only
// recognize the canonical upper-case spelling.
func (b *Bus) SetAlias(resource, alias string) {
	b.mu.Lock()
	b.aliases[NormalizeName(resource)] = alias
	b.mu.Unlock()
}

// Device looks a device up by resource name, case-insensitively.
func (b *Bus) Device(name string) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.devices[strings.ToUpper(NormalizeName(name))]

	return dev, ok
}

// ResourceInfo normalizes name and returns the alias registered for the exact
// normalized spelling. The empty alias means none is known.
func (b *Bus) ResourceInfo(name string) (normalized, alias string, err error) {
	normalized = NormalizeName(name)
	if _, ok := b.Device(normalized); !ok {
		return "", "", fmt.Errorf("%w: no device at %q", visa.ErrIO, normalized)
	}

	b.mu.Lock()
	alias = b.aliases[normalized]
	b.mu.Unlock()

	return normalized, alias, nil
}

// DisableGeneration makes backend construction for the named generation fail,
// simulating a bench where that native library is not installed.
func (b *Bus) DisableGeneration(generation string) {
	b.disabled.Store(generation, true)
}

// GenerationDisabled reports whether the named generation is disabled.
func (b *Bus) GenerationDisabled(generation string) bool {
	v, _ := b.disabled.Load(generation)
	return v
}

// NewLockDomain returns a fresh lock-domain name. Each backend library
// instance locks devices within its own domain.
func (b *Bus) NewLockDomain(generation string) string {
	return fmt.Sprintf("%s-%d", generation, b.domainSeq.Add(1))
}

// SetFailFindAfter arms enumeration error injection: Find handles fail after
// returning n names. Zero disarms it.
func (b *Bus) SetFailFindAfter(n int) {
	b.failFindAfter.Store(int64(n))
}

// OpenFinds returns the number of enumeration handles not yet closed.
func (b *Bus) OpenFinds() int {
	return int(b.openFinds.Load())
}

// Find enumerates registered resource names matching a wildcard query, where
// '?' matches one character and '*' any run. Matching is case-insensitive;
// names are returned in sorted registration spelling.
func (b *Bus) Find(query string) (*FindHandle, error) {
	re, err := compileQuery(query)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	var names []string
	for _, dev := range b.devices {
		if re.MatchString(strings.ToUpper(dev.Name())) {
			names = append(names, dev.Name())
		}
	}
	b.mu.Unlock()
	sort.Strings(names)

	b.openFinds.Add(1)
	return &FindHandle{
		bus:       b,
		names:     names,
		failAfter: int(b.failFindAfter.Load()),
	}, nil
}

func compileQuery(query string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range strings.ToUpper(query) {
		switch r {
		case '?':
			sb.WriteString(".")
		case '*':
			sb.WriteString(".*")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad find query %q", visa.ErrOutOfRange, query)
	}

	return re, nil
}

// FindHandle is a native enumeration handle over the bus. It counts as open
// until Close is called, so tests can assert handles are not leaked.
type FindHandle struct {
	bus       *Bus
	names     []string
	idx       int
	failAfter int
	err       error
	closed    bool
	closeMu   sync.Mutex
}

// Next returns the next matching resource name.
func (f *FindHandle) Next() (string, bool) {
	if f.err != nil || f.idx >= len(f.names) {
		return "", false
	}
	if f.failAfter > 0 && f.idx >= f.failAfter {
		f.err = fmt.Errorf("%w: enumeration aborted", visa.ErrIO)
		return "", false
	}
	name := f.names[f.idx]
	f.idx++

	return name, true
}

// Err returns the error that interrupted enumeration, if any.
func (f *FindHandle) Err() error { return f.err }

// Close releases the handle. Safe to call more than once; only the first
// call is counted.
func (f *FindHandle) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.bus.openFinds.Add(-1)

	return nil
}

// NormalizeName canonicalizes a resource name: surrounding whitespace is
// trimmed and a bare interface address gets the "::INSTR" suffix. Letter case
// is preserved.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	upper := strings.ToUpper(name)
	if strings.HasSuffix(upper, "::INSTR") || strings.HasSuffix(upper, "::SOCKET") ||
		strings.HasSuffix(upper, "::RAW") || strings.HasSuffix(upper, "::INTFC") {
		return name
	}

	return name + "::INSTR"
}
