// Package acquisition bridges a camera provider to a continuously
// updated shared frame slot. One background worker is the only writer;
// any number of consumers read copies through Frame.
package acquisition

import (
	"fmt"
	"sync"
	"time"

	"github.com/paperport/docscan-camera/internal/camera"
	"github.com/paperport/docscan-camera/internal/logger"
	"github.com/paperport/docscan-camera/internal/metrics"
	"github.com/paperport/docscan-camera/pkg/types"
)

const (
	// maxConsecutiveFailures is the number of failed reads in a row
	// after which the worker declares the camera dead and exits. A
	// caller must explicitly restart the loop afterwards.
	maxConsecutiveFailures = 10

	// readYield bounds CPU usage between iterations without
	// materially affecting freshness; the hardware read itself blocks
	// for roughly one frame interval.
	readYield = 5 * time.Millisecond

	// stopJoinTimeout bounds how long Stop waits for the worker.
	stopJoinTimeout = 2 * time.Second
)

// openProvider constructs and starts the selected backend; swappable
// in tests.
var openProvider = camera.Open

// Loop owns the camera provider and the acquisition lifecycle. The
// slot lock is scoped to the slot pointer swap alone and never wraps a
// hardware call, so consumers and the producer only ever contend for
// a microsecond-scale copy.
type Loop struct {
	metrics *metrics.Metrics

	// slotMu guards slot only.
	slotMu sync.Mutex
	slot   *types.Frame

	// lifeMu guards the lifecycle fields below.
	lifeMu   sync.Mutex
	provider camera.Provider
	cfg      types.CameraConfig
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a stopped acquisition loop. metrics may be nil.
func New(m *metrics.Metrics) *Loop {
	return &Loop{metrics: m}
}

// Start validates the configuration, opens the selected provider and
// spawns exactly one background worker. Calling Start while an
// acquisition is already running is an error; the running acquisition
// is left untouched.
func (l *Loop) Start(sel types.Interface, cfg types.CameraConfig) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if l.running {
		return fmt.Errorf("acquisition already running")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	provider, err := openProvider(sel, cfg, func(format string, args ...any) {
		logger.Warn("Acquisition", format, args...)
	})
	if err != nil {
		return fmt.Errorf("camera start failed: %w", err)
	}

	l.slotMu.Lock()
	l.slot = nil
	l.slotMu.Unlock()

	l.provider = provider
	l.cfg = cfg
	l.running = true
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})

	logger.Info("Acquisition", "started %s backend at %dx%d@%dfps",
		provider.Name(), cfg.Width, cfg.Height, cfg.FPS)

	go l.run(provider, l.stopCh, l.done)
	return nil
}

// run is the worker loop. It is the sole writer to the frame slot.
func (l *Loop) run(provider camera.Provider, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		frame, ok := provider.Read()
		if !ok {
			failures++
			if l.metrics != nil {
				l.metrics.ReadErrors.Add(1)
			}
			if failures >= maxConsecutiveFailures {
				logger.Error("Acquisition", "%d consecutive read failures, camera considered dead", failures)
				return
			}
			time.Sleep(readYield)
			continue
		}
		failures = 0

		l.slotMu.Lock()
		l.slot = &frame
		l.slotMu.Unlock()

		if l.metrics != nil {
			l.metrics.FramesPublished.Add(1)
		}
		time.Sleep(readYield)
	}
}

// Stop tears down the worker and the provider. Safe to call multiple
// times; the join is bounded so a wedged hardware read cannot hang
// shutdown.
func (l *Loop) Stop() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if !l.running {
		return
	}
	l.running = false
	close(l.stopCh)

	select {
	case <-l.done:
	case <-time.After(stopJoinTimeout):
		logger.Warn("Acquisition", "worker did not exit within %s", stopJoinTimeout)
	}

	l.provider.Stop()
	l.provider = nil

	l.slotMu.Lock()
	l.slot = nil
	l.slotMu.Unlock()

	logger.Info("Acquisition", "stopped")
}

// Frame returns a copy of the most recently published frame. It never
// blocks on the worker and never exposes a buffer the worker could
// touch concurrently.
func (l *Loop) Frame() (types.Frame, bool) {
	l.slotMu.Lock()
	slot := l.slot
	l.slotMu.Unlock()

	if slot == nil {
		return types.Frame{}, false
	}
	return slot.Clone(), true
}

// Alive reports whether the acquisition worker is still running.
// Liveness is derived from the worker itself, not from provider
// state, so a self-terminated loop reads as dead.
func (l *Loop) Alive() bool {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if !l.running {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Provider exposes the active provider for the high-resolution
// capture path. Returns nil when the loop is stopped.
func (l *Loop) Provider() camera.Provider {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if !l.running {
		return nil
	}
	return l.provider
}

// Config returns the configuration accepted by the last Start.
func (l *Loop) Config() types.CameraConfig {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	return l.cfg
}
