// Package autocapture debounces document detections into capture
// triggers: it samples the shared frame slot on a timer, counts
// consecutive positive detections and fires the high-resolution
// capture path exactly once per episode.
package autocapture

import (
	"fmt"
	"sync"
	"time"

	"github.com/paperport/docscan-camera/internal/detect"
	"github.com/paperport/docscan-camera/internal/logger"
	"github.com/paperport/docscan-camera/internal/metrics"
	"github.com/paperport/docscan-camera/pkg/types"
)

// Parameter bounds for a detection session.
const (
	MinInterval  = 500 * time.Millisecond
	MaxInterval  = 10 * time.Second
	MinThreshold = 1
	MaxThreshold = 10

	// detectWidth bounds the frame size handed to the detector so a
	// sample stays well under its latency budget.
	detectWidth = 320

	// stopJoinTimeout bounds how long Stop waits for the timer loop.
	stopJoinTimeout = 5 * time.Second
)

// FrameSource yields the freshest acquired frame.
type FrameSource interface {
	Frame() (types.Frame, bool)
}

// CaptureFunc runs the high-resolution capture path.
type CaptureFunc func() (types.CaptureArtifact, bool)

// DetectFunc evaluates one frame; swappable in tests.
type DetectFunc func(types.Frame, float64) (types.DetectionResult, error)

// Options configures one detection session.
type Options struct {
	Sensitivity float64
	Interval    time.Duration
	Threshold   int
	// Callback receives the artifact of each auto capture. It runs on
	// its own goroutine; the controller never awaits it.
	Callback func(types.CaptureArtifact)
}

// Validate rejects out-of-range parameters with the exact range violated.
func (o Options) Validate() error {
	if o.Sensitivity < 0 || o.Sensitivity > 1 {
		return fmt.Errorf("sensitivity %.2f out of range [0.0, 1.0]", o.Sensitivity)
	}
	if o.Interval < MinInterval || o.Interval > MaxInterval {
		return fmt.Errorf("interval %s out of range [%s, %s]", o.Interval, MinInterval, MaxInterval)
	}
	if o.Threshold < MinThreshold || o.Threshold > MaxThreshold {
		return fmt.Errorf("threshold %d out of range [%d, %d]", o.Threshold, MinThreshold, MaxThreshold)
	}
	return nil
}

// Controller is the auto-capture state machine. It is idle until
// Start, watching while the timer loop samples, and transiently
// capturing while the high-resolution path runs. The consecutive-hit
// counter lives only inside the timer loop and resets both on a
// negative sample and immediately before a capture trigger, so one
// physical document cannot re-trigger.
type Controller struct {
	source  FrameSource
	capture CaptureFunc
	detect  DetectFunc
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates an idle controller. detectFn may be nil, in which case
// the real detector is used. m may be nil.
func New(source FrameSource, capture CaptureFunc, detectFn DetectFunc, m *metrics.Metrics) *Controller {
	if detectFn == nil {
		detectFn = detect.Detect
	}
	return &Controller{
		source:  source,
		capture: capture,
		detect:  detectFn,
		metrics: m,
	}
}

// Start validates the options and spawns the timer loop. Calling
// Start while running is a logged no-op, not an error: the active
// session keeps its parameters and no second loop is spawned.
func (c *Controller) Start(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		logger.Info("AutoCapture", "already watching, start ignored")
		return nil
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	logger.Info("AutoCapture", "watching (sensitivity=%.2f interval=%s threshold=%d)",
		opts.Sensitivity, opts.Interval, opts.Threshold)

	go c.watch(opts, c.stopCh, c.done)
	return nil
}

func (c *Controller) watch(opts Options, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	counter := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		frame, ok := c.source.Frame()
		if !ok {
			continue
		}

		sample := detect.Downscale(frame, detectWidth)
		result, err := c.detect(sample, opts.Sensitivity)
		if err != nil {
			logger.Warn("AutoCapture", "detector rejected sample: %v", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.DetectorRuns.Add(1)
		}

		if !result.Detected {
			counter = 0
			continue
		}

		counter++
		if c.metrics != nil {
			c.metrics.Detections.Add(1)
		}
		logger.Debug("AutoCapture", "document seen (%d/%d)", counter, opts.Threshold)

		if counter < opts.Threshold {
			continue
		}

		// Reset before triggering so no tick can observe a counter
		// already past the threshold.
		counter = 0

		artifact, captured := c.capture()
		if !captured {
			logger.Warn("AutoCapture", "confirmed document but capture produced nothing")
			continue
		}
		if c.metrics != nil {
			c.metrics.AutoCaptures.Add(1)
		}
		logger.Info("AutoCapture", "captured %s (%s)", artifact.Path, artifact.Source)

		if opts.Callback != nil {
			go opts.Callback(artifact)
		}
	}
}

// Stop halts the timer loop with a bounded join. Idempotent; a join
// timeout is logged, never escalated.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)

	select {
	case <-c.done:
	case <-time.After(stopJoinTimeout):
		logger.Warn("AutoCapture", "timer loop did not exit within %s", stopJoinTimeout)
	}

	logger.Info("AutoCapture", "stopped")
}

// Running reports whether a detection session is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
