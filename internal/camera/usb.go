package camera

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/paperport/docscan-camera/pkg/types"
)

// usbProbeRange is the device-index scan range tried after the
// preferred index.
const usbProbeRange = 5

// preferredUSBIndex is tried first during probing.
var preferredUSBIndex = 0

// usbProvider drives a V4L2/UVC-class camera through gocv. The
// backend negotiates an MJPG capture format before setting the
// resolution, then performs a double read to confirm the negotiated
// geometry actually took effect; some UVC drivers silently ignore
// property sets issued in the wrong order.
type usbProvider struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	cfg     types.CameraConfig
	running bool
	seq     uint64
}

func newUSBProvider() *usbProvider {
	return &usbProvider{}
}

func (p *usbProvider) Name() string { return "usb" }

func (p *usbProvider) Start(cfg types.CameraConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	indices := probeOrder(preferredUSBIndex)
	var lastErr error
	for _, idx := range indices {
		cap, err := openUSBDevice(idx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		p.capture = cap
		p.cfg = cfg
		p.running = true
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usb camera found in indices %v", indices)
	}
	return fmt.Errorf("usb camera probe failed: %w", lastErr)
}

// probeOrder returns the preferred index followed by the fixed scan range.
func probeOrder(preferred int) []int {
	order := []int{preferred}
	for i := 0; i < usbProbeRange; i++ {
		if i != preferred {
			order = append(order, i)
		}
	}
	return order
}

// openUSBDevice opens one device index and walks it through the
// format handshake. The returned capture is validated and ready.
func openUSBDevice(idx int, cfg types.CameraConfig) (*gocv.VideoCapture, error) {
	cap, err := gocv.OpenVideoCapture(idx)
	if err != nil {
		return nil, fmt.Errorf("index %d: %w", idx, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("index %d: device did not open", idx)
	}

	// Compressed format first, geometry after. Reversing this order
	// makes many UVC drivers fall back to uncompressed YUYV and cap
	// the frame rate.
	cap.Set(gocv.VideoCaptureFOURCC, mjpgFourCC())
	cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	cap.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	// Double read: the first frame after a format change may still be
	// in the old geometry, only the second proves the handshake stuck.
	mat := gocv.NewMat()
	defer mat.Close()
	for i := 0; i < 2; i++ {
		if ok := cap.Read(&mat); !ok || mat.Empty() {
			cap.Close()
			return nil, fmt.Errorf("index %d: validation read %d failed", idx, i+1)
		}
	}
	if mat.Cols() != cfg.Width || mat.Rows() != cfg.Height {
		cap.Close()
		return nil, fmt.Errorf("index %d: negotiated %dx%d, wanted %dx%d",
			idx, mat.Cols(), mat.Rows(), cfg.Width, cfg.Height)
	}

	return cap, nil
}

// mjpgFourCC encodes the MJPG pixel-format tag the way V4L2 expects it.
func mjpgFourCC() float64 {
	return float64(uint32('M') | uint32('J')<<8 | uint32('P')<<16 | uint32('G')<<24)
}

func (p *usbProvider) Read() (types.Frame, bool) {
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
	if mat.Cols() != p.cfg.Width || mat.Rows() != p.cfg.Height {
		// Driver silently renegotiated; surface as a failed read.
		return types.Frame{}, false
	}

	data, err := mat.DataPtrUint8()
	if err != nil {
		return types.Frame{}, false
	}
	if len(data) != p.cfg.Width*p.cfg.Height*types.Channels {
		return types.Frame{}, false
	}

	p.seq++
	frame := types.Frame{
		Data:      make([]byte, len(data)),
		Width:     p.cfg.Width,
		Height:    p.cfg.Height,
		Timestamp: time.Now(),
		Seq:       p.seq,
	}
	copy(frame.Data, data)
	return frame, true
}

// Still reports not-ok: a UVC camera has no secondary high-resolution
// stream, so the capture service falls back to the latest loop frame.
func (p *usbProvider) Still() (types.Frame, bool) {
	return types.Frame{}, false
}

func (p *usbProvider) Stop() {
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
