package acquisition

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperport/docscan-camera/internal/camera"
	"github.com/paperport/docscan-camera/pkg/types"
)

// fakeProvider serves a fixed-size frame per read, optionally failing
// every read to exercise the terminal-failure path.
type fakeProvider struct {
	mu      sync.Mutex
	cfg     types.CameraConfig
	failAll bool
	reads   atomic.Int64
	stops   atomic.Int64
	seq     uint64
}

func (f *fakeProvider) Start(cfg types.CameraConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	return nil
}

func (f *fakeProvider) Read() (types.Frame, bool) {
	f.reads.Add(1)
	if f.failAll {
		return types.Frame{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return types.Frame{
		Data:      make([]byte, f.cfg.Width*f.cfg.Height*types.Channels),
		Width:     f.cfg.Width,
		Height:    f.cfg.Height,
		Timestamp: time.Now(),
		Seq:       f.seq,
	}, true
}

func (f *fakeProvider) Still() (types.Frame, bool) { return types.Frame{}, false }
func (f *fakeProvider) Stop()                      { f.stops.Add(1) }
func (f *fakeProvider) Name() string               { return "fake" }

func withFakeProvider(t *testing.T, p camera.Provider) {
	t.Helper()
	orig := openProvider
	openProvider = func(sel types.Interface, cfg types.CameraConfig, logf func(string, ...any)) (camera.Provider, error) {
		if err := p.Start(cfg); err != nil {
			return nil, err
		}
		return p, nil
	}
	t.Cleanup(func() { openProvider = orig })
}

func testConfig() types.CameraConfig {
	return types.CameraConfig{Width: 8, Height: 6, FPS: 30}
}

func waitFor(t *testing.T, cond func() bool, within time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", within, msg)
}

func TestLoopStartRejectsInvalidConfig(t *testing.T) {
	withFakeProvider(t, &fakeProvider{})
	loop := New(nil)

	err := loop.Start(types.InterfaceAuto, types.CameraConfig{Width: 0, Height: 6, FPS: 30})
	assert.Error(t, err)
	assert.False(t, loop.Alive())
}

func TestLoopPublishesFrames(t *testing.T) {
	provider := &fakeProvider{}
	withFakeProvider(t, provider)

	loop := New(nil)
	require.NoError(t, loop.Start(types.InterfaceAuto, testConfig()))
	defer loop.Stop()

	waitFor(t, func() bool {
		_, ok := loop.Frame()
		return ok
	}, 2*time.Second, "slot never populated")

	frame, ok := loop.Frame()
	require.True(t, ok)
	assert.Equal(t, 8, frame.Width)
	assert.Equal(t, 6, frame.Height)
	assert.Len(t, frame.Data, 8*6*types.Channels)
	assert.True(t, loop.Alive())
}

func TestLoopFrameReturnsCopies(t *testing.T) {
	provider := &fakeProvider{}
	withFakeProvider(t, provider)

	loop := New(nil)
	require.NoError(t, loop.Start(types.InterfaceAuto, testConfig()))
	defer loop.Stop()

	waitFor(t, func() bool {
		_, ok := loop.Frame()
		return ok
	}, 2*time.Second, "slot never populated")

	a, _ := loop.Frame()
	b, _ := loop.Frame()
	a.Data[0] = 0xFF
	assert.Zero(t, b.Data[0], "mutating one copy must not affect another")
}

func TestLoopDoubleStartFails(t *testing.T) {
	provider := &fakeProvider{}
	withFakeProvider(t, provider)

	loop := New(nil)
	require.NoError(t, loop.Start(types.InterfaceAuto, testConfig()))
	defer loop.Stop()

	assert.Error(t, loop.Start(types.InterfaceAuto, testConfig()))
}

func TestLoopStopClearsSlotAndReleasesProvider(t *testing.T) {
	provider := &fakeProvider{}
	withFakeProvider(t, provider)

	loop := New(nil)
	require.NoError(t, loop.Start(types.InterfaceAuto, testConfig()))

	waitFor(t, func() bool {
		_, ok := loop.Frame()
		return ok
	}, 2*time.Second, "slot never populated")

	loop.Stop()
	loop.Stop() // idempotent

	assert.False(t, loop.Alive())
	assert.EqualValues(t, 1, provider.stops.Load())
	_, ok := loop.Frame()
	assert.False(t, ok, "slot must be cleared after stop")
	assert.Nil(t, loop.Provider())
}

func TestLoopRepeatedStartStopCycles(t *testing.T) {
	provider := &fakeProvider{}
	withFakeProvider(t, provider)

	loop := New(nil)
	for i := 0; i < 50; i++ {
		require.NoError(t, loop.Start(types.InterfaceAuto, testConfig()))
		loop.Stop()
	}
	assert.False(t, loop.Alive())
	assert.EqualValues(t, 50, provider.stops.Load())
}

func TestLoopTerminatesAfterConsecutiveFailures(t *testing.T) {
	provider := &fakeProvider{failAll: true}
	withFakeProvider(t, provider)

	loop := New(nil)
	require.NoError(t, loop.Start(types.InterfaceAuto, testConfig()))
	defer loop.Stop()

	waitFor(t, func() bool { return !loop.Alive() }, 5*time.Second, "worker should self-terminate")
	assert.GreaterOrEqual(t, provider.reads.Load(), int64(maxConsecutiveFailures))

	_, ok := loop.Frame()
	assert.False(t, ok)
}
