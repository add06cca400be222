package types

import (
	"fmt"
	"image"
	"time"
)

// Frame is a single acquired video frame. Data is a tightly packed
// 3-channel BGR buffer, regardless of which backend produced it.
// A frame published into the shared slot is never mutated, only replaced.
type Frame struct {
	Data      []byte    // Packed BGR pixels, Width*Height*3 bytes
	Width     int       // Frame width in pixels
	Height    int       // Frame height in pixels
	Timestamp time.Time // Acquisition timestamp
	Seq       uint64    // Sequential frame number from the acquisition loop
}

// Channels is the normalized channel count for every frame in the system.
const Channels = 3

// Valid reports whether the frame carries a correctly sized BGR buffer.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*Channels
}

// Clone returns a deep copy of the frame. Consumers that hold a frame
// across goroutines must clone it so the producer can replace the slot
// contents freely.
func (f Frame) Clone() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// CameraConfig holds the acquisition parameters. It is validated once
// at start and immutable afterward.
type CameraConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	FPS    int `yaml:"fps" json:"fps"`
}

// Configuration bounds. Out-of-range values are rejected before any
// hardware call.
const (
	MinWidth  = 1
	MaxWidth  = 3840
	MinHeight = 1
	MaxHeight = 2160
	MinFPS    = 1
	MaxFPS    = 120
)

// Validate checks the configuration ranges and fails fast with a
// descriptive error.
func (c CameraConfig) Validate() error {
	if c.Width < MinWidth || c.Width > MaxWidth {
		return fmt.Errorf("camera width %d out of range [%d, %d]", c.Width, MinWidth, MaxWidth)
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		return fmt.Errorf("camera height %d out of range [%d, %d]", c.Height, MinHeight, MaxHeight)
	}
	if c.FPS < MinFPS || c.FPS > MaxFPS {
		return fmt.Errorf("camera fps %d out of range [%d, %d]", c.FPS, MinFPS, MaxFPS)
	}
	return nil
}

// FrameInterval is the nominal duration of one frame at the configured rate.
func (c CameraConfig) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

// Interface selects which camera backend the factory constructs.
type Interface string

const (
	InterfaceUSB  Interface = "usb"
	InterfaceCSI  Interface = "csi"
	InterfaceAuto Interface = "auto"
)

// ParseInterface validates an interface-selection string.
func ParseInterface(s string) (Interface, error) {
	switch Interface(s) {
	case InterfaceUSB, InterfaceCSI, InterfaceAuto:
		return Interface(s), nil
	default:
		return "", fmt.Errorf("invalid camera interface %q (must be usb, csi or auto)", s)
	}
}

// DetectionResult is the outcome of one document-presence evaluation.
// Region is expressed in the coordinate space of the input frame and
// may be non-nil even when Detected is false: a bright contour was
// found but its edge density fell below the requested sensitivity.
// Only the no-contour path leaves Region nil.
type DetectionResult struct {
	Detected bool
	Region   *image.Rectangle
}

// CaptureSource records which path produced a capture artifact.
type CaptureSource string

const (
	SourceHardware CaptureSource = "hardware-native"
	SourceFallback CaptureSource = "fallback"
)

// CaptureArtifact describes one high-resolution capture written to
// disk. Artifacts are never mutated after creation; the retention
// sweep is the only thing that deletes them.
type CaptureArtifact struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"created_at"`
	Source    CaptureSource `json:"source"`
}
