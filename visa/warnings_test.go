package visa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/instrlab/go-visa/logger"
)

func TestWarningsRecord(t *testing.T) {
	w := NewWarnings(nil)
	w.Warnf(WarnMaxCount, "read %d bytes", 42)

	records := w.Records()
	require.Len(t, records, 1)
	assert.Equal(t, WarnMaxCount, records[0].Category)
	assert.Equal(t, "read 42 bytes", records[0].Message)
	assert.Equal(t, 1, w.Count(WarnMaxCount))
	assert.Zero(t, w.Count(WarnReadTermination))
}

func TestWarningsIgnoreWindow(t *testing.T) {
	w := NewWarnings(nil)

	restore := w.Ignore(WarnMaxCount)
	w.Warnf(WarnMaxCount, "suppressed")
	w.Warnf(WarnReadTermination, "other category passes")
	restore()
	w.Warnf(WarnMaxCount, "recorded")

	assert.Equal(t, 1, w.Count(WarnMaxCount))
	assert.Equal(t, 1, w.Count(WarnReadTermination))
}

func TestWarningsIgnoreNests(t *testing.T) {
	w := NewWarnings(nil)

	outer := w.Ignore(WarnMaxCount)
	inner := w.Ignore(WarnMaxCount)
	inner()
	w.Warnf(WarnMaxCount, "still suppressed by the outer window")
	outer()
	w.Warnf(WarnMaxCount, "recorded")

	assert.Equal(t, 1, w.Count(WarnMaxCount))
}

func TestWarningsRestoreIdempotent(t *testing.T) {
	w := NewWarnings(nil)

	restore := w.Ignore(WarnMaxCount)
	restore()
	restore()
	second := w.Ignore(WarnMaxCount)
	w.Warnf(WarnMaxCount, "suppressed")
	second()

	assert.Zero(t, w.Count(WarnMaxCount))
}

func TestWarningsLogThrough(t *testing.T) {
	mockLog := logger.NewMockLogger()
	mockLog.On("Warn", "boom", mock.Anything).Once()

	w := NewWarnings(mockLog)
	w.Warnf(WarnReadTermination, "boom")

	mockLog.AssertExpectations(t)
}

func TestWarningsNilSafe(t *testing.T) {
	var w *Warnings
	w.Warnf(WarnMaxCount, "no panic")
	assert.Nil(t, w.Records())
	assert.Zero(t, w.Count(WarnMaxCount))
	w.Ignore(WarnMaxCount)()
	w.Reset()
}
