package rsrcmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instrlab/go-visa/legacy"
	"github.com/instrlab/go-visa/modern"
	"github.com/instrlab/go-visa/sim"
	"github.com/instrlab/go-visa/visa"
)

func newTestBus(t *testing.T) *sim.Bus {
	t.Helper()
	bus := sim.NewBus(nil)
	bus.AddDevice(sim.DeviceConfig{
		Name: "GPIB0::6::INSTR",
		Responder: sim.TableResponder(map[string]string{
			"*IDN?": "maker,model,0,1.0",
		}),
	})
	bus.AddDevice(sim.DeviceConfig{Name: "ASRL1::INSTR", Responder: sim.EchoResponder})
	bus.SetAlias("GPIB0::6::INSTR", "dmm")

	return bus
}

func TestPreferenceOrder(t *testing.T) {
	bus := newTestBus(t)

	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()
	assert.Equal(t, modern.GenerationName, mgr.Generation(), "modern loads first by default")
}

func TestFallbackToLegacy(t *testing.T) {
	bus := newTestBus(t)
	bus.DisableGeneration(modern.GenerationName)

	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()
	assert.Equal(t, legacy.GenerationName, mgr.Generation())
}

func TestNoBackendAvailable(t *testing.T) {
	bus := newTestBus(t)
	bus.DisableGeneration(modern.GenerationName)
	bus.DisableGeneration(legacy.GenerationName)

	_, err := New(bus)
	require.ErrorIs(t, err, visa.ErrLibraryNotFound)
	assert.True(t, IsNotFound(err))
}

func TestExplicitPreference(t *testing.T) {
	bus := newTestBus(t)

	mgr, err := New(bus, WithPreference(legacy.GenerationName))
	require.NoError(t, err)
	defer mgr.Close()
	assert.Equal(t, legacy.GenerationName, mgr.Generation())
}

func TestListResources(t *testing.T) {
	bus := newTestBus(t)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	names, err := mgr.ListResources("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"GPIB0::6::INSTR", "ASRL1::INSTR"}, names)

	names, err = mgr.ListResources("GPIB?*::INSTR")
	require.NoError(t, err)
	assert.Equal(t, []string{"GPIB0::6::INSTR"}, names)

	assert.Zero(t, bus.OpenFinds(), "enumeration handles must not leak")
}

func TestListResourcesPartialFailure(t *testing.T) {
	bus := newTestBus(t)
	bus.SetFailFindAfter(1)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	names, err := mgr.ListResources("")
	require.ErrorIs(t, err, visa.ErrIO)
	assert.Len(t, names, 1, "names seen before the failure are still returned")
	assert.Zero(t, bus.OpenFinds(), "the handle must be closed even on failure")
}

func TestResolveAliasUpperCaseRetry(t *testing.T) {
	bus := newTestBus(t)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	normalized, alias := mgr.ResolveAlias("GPIB0::6::INSTR")
	assert.Equal(t, "GPIB0::6::INSTR", normalized)
	assert.Equal(t, "dmm", alias)

	// The lower-cased spelling only resolves through the upper-case retry,
	// which also supplies the canonical normalized name.
	normalized, alias = mgr.ResolveAlias("gpib0::6::instr")
	assert.Equal(t, "GPIB0::6::INSTR", normalized)
	assert.Equal(t, "dmm", alias)

	normalized, alias = mgr.ResolveAlias("ASRL1::INSTR")
	assert.Equal(t, "ASRL1::INSTR", normalized)
	assert.Empty(t, alias)

	normalized, alias = mgr.ResolveAlias("GPIB0::99::INSTR")
	assert.Equal(t, "GPIB0::99::INSTR", normalized, "unknown names come back unchanged")
	assert.Empty(t, alias)
}

func TestListInstruments(t *testing.T) {
	bus := newTestBus(t)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	withAliases, err := mgr.ListInstruments(true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dmm", "ASRL1"}, withAliases)

	plain, err := mgr.ListInstruments(false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"GPIB0::6", "ASRL1"}, plain)
}

func TestOpenResourceDefaults(t *testing.T) {
	bus := newTestBus(t)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	sess, err := mgr.OpenResource("GPIB0::6::INSTR")
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 2000.0, sess.Timeout(), "sessions get the default timeout when none is given")
}

func TestOpenResourceOptions(t *testing.T) {
	bus := newTestBus(t)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	custom := visa.AttrID(0x3FFF9001)
	sess, err := mgr.OpenResource("GPIB0::6::INSTR",
		WithTimeout(500),
		WithReadTermination("\n"),
		WithWriteTermination("\n"),
		WithAttribute(custom, 17),
	)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 500.0, sess.Timeout())
	assert.Equal(t, "\n", sess.ReadTermination())

	v, err := sess.GetAttribute(custom)
	require.NoError(t, err)
	assert.Equal(t, 17, v)

	idn, err := sess.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "maker,model,0,1.0", idn)
}

func TestOpenThroughAliasFile(t *testing.T) {
	bus := newTestBus(t)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	path := filepath.Join(t.TempDir(), "aliases.toml")
	content := "[aliases]\nmeter = \"GPIB0::6::INSTR\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, mgr.LoadAliasFile(path))
	resource, ok := mgr.Alias("meter")
	require.True(t, ok)
	assert.Equal(t, "GPIB0::6::INSTR", resource)

	sess, err := mgr.OpenResource("meter", WithReadTermination("\n"))
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "GPIB0::6::INSTR", sess.ResourceName())
}

func TestLoadAliasFileMissing(t *testing.T) {
	bus := newTestBus(t)
	mgr, err := New(bus)
	require.NoError(t, err)
	defer mgr.Close()

	require.Error(t, mgr.LoadAliasFile(filepath.Join(t.TempDir(), "nope.toml")))
}
