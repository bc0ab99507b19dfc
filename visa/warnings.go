package visa

import (
	"fmt"
	"sync"
	"time"

	"github.com/instrlab/go-visa/logger"
)

// Warning categories recorded by the framing helpers and backends.
const (
	// WarnWriteTermination is recorded when a write message already ends with
	// its termination characters.
	WarnWriteTermination = "write-termination"
	// WarnReadTermination is recorded when a read payload does not end with
	// the configured termination characters.
	WarnReadTermination = "read-termination"
	// WarnMaxCount is recorded when a bounded read returns exactly the
	// requested count, meaning more data may be pending.
	WarnMaxCount = "max-count"
)

// Warning is one recorded non-fatal condition.
type Warning struct {
	Category string
	Message  string
	Time     time.Time
}

// Warnings is an injectable warning filter.
//
// Backends may record warnings from their notification goroutines while the
// main thread toggles ignore windows, so every access goes through one
// dedicated mutex. It is never a package-level singleton; each resource
// manager owns one and injects it into the sessions it opens.
type Warnings struct {
	mu      sync.Mutex
	ignored map[string]int
	records []Warning
	logger  logger.Logger
}

// NewWarnings creates a warning filter logging through l.
func NewWarnings(l logger.Logger) *Warnings {
	if l == nil {
		l = logger.GetLogger()
	}
	return &Warnings{
		ignored: make(map[string]int),
		logger:  l,
	}
}

// Warnf records a warning in the given category unless the category is
// currently ignored. The operation that warned still completes.
func (w *Warnings) Warnf(category, format string, args ...any) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ignored[category] > 0 {
		return
	}
	msg := fmt.Sprintf(format, args...)
	w.records = append(w.records, Warning{Category: category, Message: msg, Time: time.Now()})
	w.logger.Warn(msg, "category", category)
}

// Ignore suppresses a category and returns a restore function. Windows nest:
// the category stays suppressed until every restore has run.
func (w *Warnings) Ignore(category string) (restore func()) {
	if w == nil {
		return func() {}
	}
	w.mu.Lock()
	w.ignored[category]++
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			if w.ignored[category] > 0 {
				w.ignored[category]--
			}
			w.mu.Unlock()
		})
	}
}

// Records returns a copy of all recorded warnings.
func (w *Warnings) Records() []Warning {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Warning, len(w.records))
	copy(out, w.records)

	return out
}

// Count returns the number of recorded warnings in a category.
func (w *Warnings) Count(category string) int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, rec := range w.records {
		if rec.Category == category {
			n++
		}
	}

	return n
}

// Reset discards all recorded warnings.
func (w *Warnings) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.records = nil
	w.mu.Unlock()
}
