package modern

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instrlab/go-visa/sim"
	"github.com/instrlab/go-visa/visa"
)

func newTestBench(t *testing.T) (*sim.Bus, *Library) {
	t.Helper()
	bus := sim.NewBus(nil)
	bus.AddDevice(sim.DeviceConfig{
		Name: "GPIB0::6::INSTR",
		Responder: sim.TableResponder(map[string]string{
			"*IDN?": "maker,model,0,2.0",
		}),
	})
	bus.AddDevice(sim.DeviceConfig{Name: "ASRL1::INSTR", Responder: sim.EchoResponder})
	bus.AddDevice(sim.DeviceConfig{Name: "USB0::0x0957::0x0607::MY45002108::INSTR"})

	lib, err := NewLibrary(bus)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })

	return bus, lib
}

func TestLibraryNotInstalled(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.DisableGeneration(GenerationName)

	_, err := NewLibrary(bus)
	require.ErrorIs(t, err, visa.ErrLibraryNotFound)
}

func TestConcurrentOpensIssueUniqueIDs(t *testing.T) {
	_, lib := newTestBench(t)

	const n = 64
	ids := make(chan uint32, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := lib.Open("GPIB0::6::INSTR", nil)
			if err != nil {
				errs <- err
				return
			}
			ids <- sess.ID()
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[uint32]struct{}, n)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "session id %d issued twice", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, n)
}

func TestOpenAfterLibraryClose(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.AddDevice(sim.DeviceConfig{Name: "GPIB0::6::INSTR"})
	lib, err := NewLibrary(bus)
	require.NoError(t, err)
	require.NoError(t, lib.Close())

	_, err = lib.Open("GPIB0::6::INSTR", nil)
	require.ErrorIs(t, err, visa.ErrSessionClosed)
}

func TestDefaultTerminations(t *testing.T) {
	_, lib := newTestBench(t)
	sess, err := lib.Open("GPIB0::6::INSTR", nil)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, "\n", sess.WriteTermination())
	assert.Equal(t, "", sess.ReadTermination())
}

func TestTimeoutNativeUnitIsMilliseconds(t *testing.T) {
	_, lib := newTestBench(t)
	sess, err := lib.Open("GPIB0::6::INSTR", nil)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.SetTimeout(750))
	assert.Equal(t, 750.0, sess.Timeout())

	v, err := sess.GetAttribute(visa.AttrTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(750), v)

	require.NoError(t, sess.SetTimeout(visa.Forever))
	assert.Equal(t, visa.Forever, sess.Timeout())
}

func TestQueryWithTerminations(t *testing.T) {
	_, lib := newTestBench(t)
	readTerm := "\n"
	sess, err := lib.Open("GPIB0::6::INSTR", &visa.OpenOptions{ReadTermination: &readTerm})
	require.NoError(t, err)
	defer sess.Close()

	idn, err := sess.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "maker,model,0,2.0", idn)
}

func TestSerialServiceRequestsSupported(t *testing.T) {
	bus, lib := newTestBench(t)
	sess, err := lib.Open("ASRL1::INSTR", nil)
	require.NoError(t, err)
	defer sess.Close()
	require.True(t, sess.IsSerial())

	require.NoError(t, sess.EnableEvent(visa.EventServiceRequest, visa.MechQueue))

	dev, _ := bus.Device("ASRL1::INSTR")
	dev.RaiseSRQ(0x04)

	resp, err := sess.WaitOnEvent(visa.EventServiceRequest, 1000)
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, byte(0x44), resp.Context.STB())
}

func TestQueuedExceptionEventsUnsupported(t *testing.T) {
	_, lib := newTestBench(t)
	sess, err := lib.Open("GPIB0::6::INSTR", nil)
	require.NoError(t, err)
	defer sess.Close()

	require.ErrorIs(t, sess.EnableEvent(visa.EventException, visa.MechQueue), visa.ErrUnsupported)
}

func TestExceptionHandlerSeesTimeout(t *testing.T) {
	_, lib := newTestBench(t)
	sess, err := lib.Open("GPIB0::6::INSTR", nil)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.SetTimeout(20))

	got := make(chan visa.Status, 1)
	_, err = sess.InstallHandler(visa.EventException, func(_ uint32, _ visa.EventType, ctx *visa.EventContext, _ any) visa.Status {
		got <- ctx.StatusCode()
		return visa.StatusSuccess
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sess.EnableEvent(visa.EventException, visa.MechHandler))

	_, err = sess.ReadRaw()
	require.ErrorIs(t, err, visa.ErrTimeout)

	select {
	case st := <-got:
		assert.Equal(t, visa.StatusErrorTimeout, st)
	case <-time.After(time.Second):
		t.Fatal("exception event was not delivered")
	}
}

func TestFindLowerCasesUSBSerial(t *testing.T) {
	_, lib := newTestBench(t)

	fl, err := lib.FindResources("USB?*::INSTR")
	require.NoError(t, err)
	defer fl.Close()

	name, ok := fl.Next()
	require.True(t, ok)
	assert.Equal(t, "USB0::0x0957::0x0607::my45002108::INSTR", name)
	require.NoError(t, fl.Err())
}

func TestMangleUSBName(t *testing.T) {
	assert.Equal(t, "GPIB0::6::INSTR", mangleUSBName("GPIB0::6::INSTR"))
	assert.Equal(t, "USB0::0x1::0x2::abc::INSTR", mangleUSBName("USB0::0x1::0x2::ABC::INSTR"))
	assert.Equal(t, "USB0::0x1", mangleUSBName("USB0::0x1"), "short names pass unchanged")
}

func TestCrossSessionLockWithinLibrary(t *testing.T) {
	_, lib := newTestBench(t)
	first, err := lib.Open("GPIB0::6::INSTR", nil)
	require.NoError(t, err)
	defer first.Close()
	second, err := lib.Open("GPIB0::6::INSTR", nil)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.LockExclusive(100))
	require.ErrorIs(t, second.LockExclusive(50), visa.ErrTimeout)
	_, err = second.WriteRaw([]byte("*IDN?\n"))
	require.ErrorIs(t, err, visa.ErrLocked)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.LockExclusive(50))
	require.NoError(t, second.Unlock())
}

func TestIOCompletionQueueDelivery(t *testing.T) {
	bus, lib := newTestBench(t)
	sess, err := lib.Open("GPIB0::6::INSTR", nil)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.EnableEvent(visa.EventIOCompletion, visa.MechQueue))

	dev, _ := bus.Device("GPIB0::6::INSTR")
	dev.Inject([]byte("abcd"))
	_, err = sess.ReadRawN(4)
	require.NoError(t, err)

	resp, err := sess.WaitOnEvent(visa.EventIOCompletion, 1000)
	require.NoError(t, err)
	assert.Equal(t, visa.EventIOCompletion, resp.EventType)
	resp.Close()
}
