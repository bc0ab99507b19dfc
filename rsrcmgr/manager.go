package rsrcmgr

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/instrlab/go-visa/legacy"
	"github.com/instrlab/go-visa/logger"
	"github.com/instrlab/go-visa/modern"
	"github.com/instrlab/go-visa/sim"
	"github.com/instrlab/go-visa/visa"
)

// DefaultQuery enumerates every instrument resource.
const DefaultQuery = "?*::INSTR"

// defaultTimeoutMS is applied to sessions opened without an explicit timeout.
const defaultTimeoutMS = 2000.0

// Manager wraps the first backend generation that loads on the bench.
type Manager struct {
	backend    visa.Backend
	preference []string

	logger           logger.Logger
	warnings         *visa.Warnings
	defaultTimeoutMS float64

	mu      sync.Mutex
	aliases map[string]string
}

// New loads the first available backend generation over bus, in preference
// order. It fails with ErrLibraryNotFound when no generation loads.
func New(bus *sim.Bus, opts ...Option) (*Manager, error) {
	m := &Manager{
		preference:       []string{modern.GenerationName, legacy.GenerationName},
		logger:           logger.GetLogger(),
		defaultTimeoutMS: defaultTimeoutMS,
		aliases:          make(map[string]string),
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	if m.warnings == nil {
		m.warnings = visa.NewWarnings(m.logger)
	}

	for _, generation := range m.preference {
		backend, err := loadBackend(generation, bus, m)
		if err == nil {
			m.backend = backend
			m.logger.Info("backend loaded", "generation", generation)
			return m, nil
		}
		m.logger.Debug("backend unavailable", "generation", generation, "error", err.Error())
	}

	return nil, fmt.Errorf("%w: tried %s", visa.ErrLibraryNotFound, strings.Join(m.preference, ", "))
}

func loadBackend(generation string, bus *sim.Bus, m *Manager) (visa.Backend, error) {
	switch generation {
	case modern.GenerationName:
		return modern.NewLibrary(bus, modern.WithLogger(m.logger), modern.WithWarnings(m.warnings))
	case legacy.GenerationName:
		return legacy.NewLibrary(bus, legacy.WithLogger(m.logger), legacy.WithWarnings(m.warnings))
	default:
		return nil, fmt.Errorf("%w: unknown generation %q", visa.ErrLibraryNotFound, generation)
	}
}

// Generation returns the generation name of the loaded backend.
func (m *Manager) Generation() string { return m.backend.Generation() }

// Warnings returns the warning filter shared by sessions this manager opens.
func (m *Manager) Warnings() *visa.Warnings { return m.warnings }

// ListResources enumerates resource names matching query. An empty query
// enumerates every instrument resource.
func (m *Manager) ListResources(query string) ([]string, error) {
	if query == "" {
		query = DefaultQuery
	}
	fl, err := m.backend.FindResources(query)
	if err != nil {
		return nil, err
	}
	defer fl.Close()

	var names []string
	for {
		name, ok := fl.Next()
		if !ok {
			break
		}
		names = append(names, name)
	}
	if err := fl.Err(); err != nil {
		return names, err
	}

	return names, nil
}

// ResolveAlias returns the normalized resource name and its backend alias,
// retrying with the upper-cased spelling because some native libraries only
// recognize the canonical one. An empty alias means none is known; when the
// backend does not recognize the name at all, it comes back unchanged.
func (m *Manager) ResolveAlias(name string) (string, string) {
	normalized, alias, err := m.backend.ResourceInfo(name)
	if err == nil && alias != "" {
		return normalized, alias
	}
	if upper := strings.ToUpper(name); upper != name {
		if retried, a, err2 := m.backend.ResourceInfo(upper); err2 == nil && (a != "" || err != nil) {
			return retried, a
		}
	}
	if err != nil {
		return name, ""
	}

	return normalized, ""
}

// ListInstruments enumerates instruments as display names: the alias when one
// is known and useAliases is set, else the resource name with its "::INSTR"
// suffix trimmed.
func (m *Manager) ListInstruments(useAliases bool) ([]string, error) {
	names, err := m.ListResources("")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if useAliases {
			if _, alias := m.ResolveAlias(name); alias != "" {
				out = append(out, alias)
				continue
			}
		}
		out = append(out, strings.TrimSuffix(name, "::INSTR"))
	}

	return out, nil
}

// OpenResource opens a session to name, which may be a resource name or an
// alias loaded from an alias file. Sessions opened without an explicit
// timeout get the manager default.
func (m *Manager) OpenResource(name string, opts ...OpenOption) (visa.Session, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt.applyOpen(&cfg)
	}
	if cfg.opts.TimeoutMS == nil {
		timeout := m.defaultTimeoutMS
		cfg.opts.TimeoutMS = &timeout
	}

	m.mu.Lock()
	if resource, ok := m.aliases[name]; ok {
		name = resource
	}
	m.mu.Unlock()

	sess, err := m.backend.Open(name, &cfg.opts)
	if err != nil {
		return nil, err
	}
	for id, value := range cfg.extras {
		if err := sess.SetAttribute(id, value); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("setting attribute 0x%08X: %w", uint32(id), err)
		}
	}

	return sess, nil
}

// aliasFile is the on-disk alias table layout.
type aliasFile struct {
	Aliases map[string]string `toml:"aliases"`
}

// LoadAliasFile merges a TOML alias table into the manager. The file maps
// alias names to resource names:
//
//	[aliases]
//	dmm = "GPIB0::6::INSTR"
func (m *Manager) LoadAliasFile(path string) error {
	var file aliasFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("loading alias file %s: %w", path, err)
	}

	m.mu.Lock()
	for alias, resource := range file.Aliases {
		m.aliases[alias] = resource
	}
	m.mu.Unlock()
	m.logger.Debug("alias file loaded", "path", path, "count", len(file.Aliases))

	return nil
}

// Alias returns the locally registered resource for an alias, if any.
func (m *Manager) Alias(alias string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resource, ok := m.aliases[alias]

	return resource, ok
}

// Close closes the loaded backend and every session it produced.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// IsNotFound reports whether err means no backend generation could be loaded.
func IsNotFound(err error) bool {
	return errors.Is(err, visa.ErrLibraryNotFound)
}
