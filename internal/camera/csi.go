package camera

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/paperport/docscan-camera/pkg/types"
)

// Still-stream geometry reserved for on-demand capture. The low-res
// stream geometry comes from the acquisition config.
const (
	csiStillWidth  = 2592
	csiStillHeight = 1944
)

// csiProvider drives a CSI ribbon camera through a GStreamer pipeline.
// The continuous stream is delivered in the sensor's native I420
// planar layout and converted to packed BGR before leaving Read; the
// high-resolution stream is a second pipeline opened on demand by
// Still. A decoded buffer whose shape does not match the negotiated
// geometry is treated as a failed read, never a crash.
type csiProvider struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	cfg     types.CameraConfig
	running bool
	seq     uint64

	stillMu sync.Mutex
}

func newCSIProvider() *csiProvider {
	return &csiProvider{}
}

func (p *csiProvider) Name() string { return "csi" }

func loresPipeline(cfg types.CameraConfig) string {
	return fmt.Sprintf(
		"libcamerasrc ! video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1 ! appsink drop=true max-buffers=1",
		cfg.Width, cfg.Height, cfg.FPS)
}

func stillPipeline() string {
	return fmt.Sprintf(
		"libcamerasrc ! video/x-raw,format=I420,width=%d,height=%d ! appsink max-buffers=1",
		csiStillWidth, csiStillHeight)
}

func (p *csiProvider) Start(cfg types.CameraConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cap, err := gocv.OpenVideoCaptureWithAPI(loresPipeline(cfg), gocv.VideoCaptureGstreamer)
	if err != nil {
		return fmt.Errorf("csi pipeline open: %w", err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("csi pipeline did not open")
	}

	// Probe read to confirm the negotiated planar geometry.
	mat := gocv.NewMat()
	defer mat.Close()
	if ok := cap.Read(&mat); !ok || mat.Empty() {
		cap.Close()
		return fmt.Errorf("csi validation read failed")
	}
	if _, convErr := i420ToBGR(mat, cfg.Width, cfg.Height); convErr != nil {
		cap.Close()
		return fmt.Errorf("csi validation: %w", convErr)
	}

	p.capture = cap
	p.cfg = cfg
	p.running = true
	return nil
}

func (p *csiProvider) Read() (types.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.capture == nil {
		return types.Frame{}, false
	}

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := p.capture.Read(&mat); !ok || mat.Empty() {
		return types.Frame{}, false
	}

	data, err := i420ToBGR(mat, p.cfg.Width, p.cfg.Height)
	if err != nil {
		return types.Frame{}, false
	}

	p.seq++
	return types.Frame{
		Data:      data,
		Width:     p.cfg.Width,
		Height:    p.cfg.Height,
		Timestamp: time.Now(),
		Seq:       p.seq,
	}, true
}

// i420ToBGR converts a planar I420 mat (rows = height*3/2, single
// channel) into a packed BGR byte buffer, rejecting any shape mismatch.
func i420ToBGR(mat gocv.Mat, width, height int) ([]byte, error) {
	// OpenCV's GStreamer backend may hand the buffer over already
	// converted to BGR depending on build options; accept both shapes.
	if mat.Channels() == types.Channels && mat.Rows() == height && mat.Cols() == width {
		data, err := mat.DataPtrUint8()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	if mat.Channels() != 1 || mat.Cols() != width || mat.Rows() != height*3/2 {
		return nil, fmt.Errorf("unexpected I420 buffer %dx%dx%d for %dx%d stream",
			mat.Cols(), mat.Rows(), mat.Channels(), width, height)
	}

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(mat, &bgr, gocv.ColorYUVToBGRI420)

	if bgr.Cols() != width || bgr.Rows() != height {
		return nil, fmt.Errorf("I420 conversion produced %dx%d, wanted %dx%d",
			bgr.Cols(), bgr.Rows(), width, height)
	}

	data, err := bgr.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	if len(data) != width*height*types.Channels {
		return nil, fmt.Errorf("converted buffer %d bytes, wanted %d",
			len(data), width*height*types.Channels)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Still grabs one frame from the reserved high-resolution stream. On
// stacks where the sensor cannot serve a second pipeline while the
// continuous stream is running, the open fails and the capture
// service falls back to the latest low-resolution frame.
func (p *csiProvider) Still() (types.Frame, bool) {
	p.stillMu.Lock()
	defer p.stillMu.Unlock()

	cap, err := gocv.OpenVideoCaptureWithAPI(stillPipeline(), gocv.VideoCaptureGstreamer)
	if err != nil || !cap.IsOpened() {
		if cap != nil {
			cap.Close()
		}
		return types.Frame{}, false
	}
	defer cap.Close()

	mat := gocv.NewMat()
	defer mat.Close()
	if ok := cap.Read(&mat); !ok || mat.Empty() {
		return types.Frame{}, false
	}

	data, err := i420ToBGR(mat, csiStillWidth, csiStillHeight)
	if err != nil {
		return types.Frame{}, false
	}

	return types.Frame{
		Data:      data,
		Width:     csiStillWidth,
		Height:    csiStillHeight,
		Timestamp: time.Now(),
	}, true
}

func (p *csiProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	if p.capture != nil {
		p.capture.Close()
		p.capture = nil
	}
}
