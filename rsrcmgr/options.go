package rsrcmgr

import (
	"github.com/instrlab/go-visa/logger"
	"github.com/instrlab/go-visa/visa"
)

// Option configures a Manager.
type Option interface {
	apply(*Manager)
}

type optFunc func(*Manager)

func (f optFunc) apply(m *Manager) { f(m) }

// WithPreference sets the backend generations to try, in order. The default
// tries the modern generation first, then the legacy one.
func WithPreference(generations ...string) Option {
	return optFunc(func(m *Manager) { m.preference = generations })
}

// WithLogger sets the logger the manager and its backends log through.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(m *Manager) { m.logger = l })
}

// WithWarnings sets the warning filter injected into opened sessions.
func WithWarnings(w *visa.Warnings) Option {
	return optFunc(func(m *Manager) { m.warnings = w })
}

// WithDefaultTimeout sets the timeout in milliseconds applied to sessions
// opened without an explicit one.
func WithDefaultTimeout(ms float64) Option {
	return optFunc(func(m *Manager) { m.defaultTimeoutMS = ms })
}

// openConfig collects the per-open configuration.
type openConfig struct {
	opts   visa.OpenOptions
	extras map[visa.AttrID]any
}

// OpenOption configures one OpenResource call.
type OpenOption interface {
	applyOpen(*openConfig)
}

type openOptFunc func(*openConfig)

func (f openOptFunc) applyOpen(c *openConfig) { f(c) }

// WithTimeout sets the session timeout in milliseconds. visa.Forever
// disables it.
func WithTimeout(ms float64) OpenOption {
	return openOptFunc(func(c *openConfig) { c.opts.TimeoutMS = &ms })
}

// WithReadTermination sets the default read termination.
func WithReadTermination(term string) OpenOption {
	return openOptFunc(func(c *openConfig) { c.opts.ReadTermination = &term })
}

// WithWriteTermination sets the default write termination.
func WithWriteTermination(term string) OpenOption {
	return openOptFunc(func(c *openConfig) { c.opts.WriteTermination = &term })
}

// WithBaudRate sets the serial baud rate. Ignored on non-serial resources.
func WithBaudRate(baud int) OpenOption {
	return openOptFunc(func(c *openConfig) { c.opts.BaudRate = &baud })
}

// WithParity sets the serial parity mode. Ignored on non-serial resources.
func WithParity(p visa.Parity) OpenOption {
	return openOptFunc(func(c *openConfig) { c.opts.Parity = &p })
}

// WithDataBits sets the serial data bits. Ignored on non-serial resources.
func WithDataBits(bits int) OpenOption {
	return openOptFunc(func(c *openConfig) { c.opts.DataBits = &bits })
}

// WithFlowControl sets the serial flow control mode. Ignored on non-serial
// resources.
func WithFlowControl(fc visa.FlowControl) OpenOption {
	return openOptFunc(func(c *openConfig) { c.opts.FlowControl = &fc })
}

// WithAttribute sets an arbitrary session attribute after the session opens,
// for backend-specific knobs the portable options do not cover.
func WithAttribute(id visa.AttrID, value any) OpenOption {
	return openOptFunc(func(c *openConfig) {
		if c.extras == nil {
			c.extras = make(map[visa.AttrID]any)
		}
		c.extras[id] = value
	})
}
