// Package detect implements the document-presence heuristic: a pure,
// stateless two-stage check with no hardware access and no I/O. It is
// cheap enough to run on an unattended timer against a downscaled
// frame.
package detect

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/paperport/docscan-camera/pkg/types"
)

// Heuristic constants. A printed page under scanner lighting shows up
// as a large, very bright blob whose interior carries dense text
// edges; plain bright surfaces (walls, empty desk) pass the first
// stage but fail the edge-density check.
const (
	brightnessCutoff = 200  // value-channel threshold for "paper bright"
	closeKernelSize  = 25   // rectangular closing kernel, merges a page into one blob
	minAreaFraction  = 0.05 // contour must cover at least 5% of the frame
	cropPadding      = 10   // pixels of context around the bounding rect
	minCropSize      = 100  // below this the crop is too small to judge texture
	cannyLow         = 50
	cannyHigh        = 150
)

// Detect evaluates one frame. The returned region is in the input
// frame's coordinate space and is present whenever a qualifying
// bright contour was found, even if the edge density fell below
// sensitivity; only the no-contour path returns a nil region.
//
// Malformed input (bad buffer size, zero dimensions, sensitivity out
// of range) is rejected with an error before any pixel is touched.
// Internal processing errors map to a negative result instead,
// because this runs on an unattended timer.
func Detect(frame types.Frame, sensitivity float64) (types.DetectionResult, error) {
	if sensitivity < 0 || sensitivity > 1 {
		return types.DetectionResult{}, fmt.Errorf("sensitivity %.2f out of range [0.0, 1.0]", sensitivity)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return types.DetectionResult{}, fmt.Errorf("frame has zero size (%dx%d)", frame.Width, frame.Height)
	}
	if !frame.Valid() {
		return types.DetectionResult{}, fmt.Errorf("frame buffer is %d bytes, want %d (%dx%d, %d channels)",
			len(frame.Data), frame.Width*frame.Height*types.Channels, frame.Width, frame.Height, types.Channels)
	}

	result := types.DetectionResult{}
	err := safely(func() error {
		r, err := evaluate(frame, sensitivity)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		// Degrade to "nothing seen" rather than propagating.
		return types.DetectionResult{}, nil
	}
	return result, nil
}

// safely converts panics out of the native layer into errors.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return fn()
}

func evaluate(frame types.Frame, sensitivity float64) (types.DetectionResult, error) {
	src, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return types.DetectionResult{}, err
	}
	defer src.Close()

	// Stage 1: isolate the brightest blob.
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	value := channels[2]

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(value, &binary, brightnessCutoff, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(closeKernelSize, closeKernelSize))
	defer kernel.Close()
	closed := gocv.NewMat()
	defer closed.Close()
	gocv.MorphologyEx(binary, &closed, gocv.MorphClose, kernel)

	contours := gocv.FindContours(closed, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := minAreaFraction * float64(frame.Width*frame.Height)
	best := -1
	bestArea := 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area >= minArea && area > bestArea {
			best = i
			bestArea = area
		}
	}
	if best < 0 {
		return types.DetectionResult{}, nil
	}

	rect := gocv.BoundingRect(contours.At(best))
	rect = pad(rect, cropPadding, frame.Width, frame.Height)

	// Undersized crop: the contour is discarded along with its region.
	if rect.Dx() < minCropSize || rect.Dy() < minCropSize {
		return types.DetectionResult{}, nil
	}

	// Stage 2: edge density inside the crop.
	crop := src.Region(rect)
	defer crop.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(crop, &gray, gocv.ColorBGRToGray)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, cannyLow, cannyHigh)

	density := float64(gocv.CountNonZero(edges)) / float64(rect.Dx()*rect.Dy())

	region := rect
	return types.DetectionResult{
		Detected: density >= sensitivity,
		Region:   &region,
	}, nil
}

// pad grows the rectangle by margin on every side, clamped to the
// frame bounds.
func pad(r image.Rectangle, margin, width, height int) image.Rectangle {
	out := image.Rect(r.Min.X-margin, r.Min.Y-margin, r.Max.X+margin, r.Max.Y+margin)
	return out.Intersect(image.Rect(0, 0, width, height))
}

// Downscale resizes a frame so its width does not exceed maxWidth,
// preserving aspect ratio. Frames already small enough are returned
// unchanged. Used to keep detector latency inside its budget.
func Downscale(frame types.Frame, maxWidth int) types.Frame {
	if !frame.Valid() || frame.Width <= maxWidth {
		return frame
	}

	scale := float64(maxWidth) / float64(frame.Width)
	dstW := maxWidth
	dstH := int(float64(frame.Height) * scale)
	if dstH < 1 {
		dstH = 1
	}

	src, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return frame
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(dstW, dstH), 0, 0, gocv.InterpolationArea)

	data, err := dst.DataPtrUint8()
	if err != nil {
		return frame
	}

	out := types.Frame{
		Data:      make([]byte, len(data)),
		Width:     dstW,
		Height:    dstH,
		Timestamp: frame.Timestamp,
		Seq:       frame.Seq,
	}
	copy(out.Data, data)
	return out
}
