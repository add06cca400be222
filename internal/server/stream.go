package server

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/paperport/docscan-camera/internal/logger"
	"github.com/paperport/docscan-camera/pkg/types"
)

// placardTimeout is how long a viewer waits on an empty slot before a
// keepalive placard frame is sent instead of silence.
const placardTimeout = 5 * time.Second

// emptySlotRetry is the brief wait before re-reading an empty slot.
const emptySlotRetry = 100 * time.Millisecond

// placardJPEG renders the "no signal" keepalive frame sent while the
// acquisition is alive but the slot has not been populated yet.
func placardJPEG(text string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 32, G: 32, B: 32, A: 255}), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 220, G: 220, B: 220, A: 255}),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I((640 - width) / 2),
			Y: fixed.I(240),
		},
	}
	drawer.DrawString(text)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// streamMJPEG renders an unbounded multipart JPEG sequence from the
// shared frame slot. The output rate is capped independently of the
// acquisition rate; encoding failures skip the frame and never
// terminate the sequence. The stream ends only when the client
// disconnects or the acquisition dies.
func (s *Server) streamMJPEG(w http.ResponseWriter, r *http.Request, viewerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	placard, err := placardJPEG("WAITING FOR CAMERA")
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	interval := time.Second / time.Duration(s.cfg.StreamFPS)
	emptySince := time.Time{}

	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		if !s.loop.Alive() {
			logger.Debug("Stream", "viewer %s: acquisition stopped, closing", viewerID)
			return
		}

		frame, ok := s.loop.Frame()
		if !ok {
			// Empty slot: retry quietly, then keep the connection
			// warm with a placard frame.
			if emptySince.IsZero() {
				emptySince = time.Now()
			}
			if time.Since(emptySince) < placardTimeout {
				time.Sleep(emptySlotRetry)
				continue
			}
			emptySince = time.Now()
			if !writePart(w, flusher, placard) {
				return
			}
			continue
		}
		emptySince = time.Time{}

		data, ok := encodeJPEG(frame, s.cfg.StreamQuality)
		if !ok {
			if s.metrics != nil {
				s.metrics.StreamEncodeErrors.Add(1)
			}
			continue
		}

		if !writePart(w, flusher, data) {
			logger.Debug("Stream", "viewer %s disconnected", viewerID)
			return
		}
		if s.metrics != nil {
			s.metrics.StreamFramesSent.Add(1)
		}

		time.Sleep(interval)
	}
}

// writePart writes one boundary-framed JPEG chunk. Returns false on a
// write error, meaning the client went away.
func writePart(w http.ResponseWriter, flusher http.Flusher, data []byte) bool {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// encodeJPEG compresses one BGR frame. A failure on a single frame is
// swallowed by the caller; the stream keeps going.
func encodeJPEG(frame types.Frame, quality int) ([]byte, bool) {
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, false
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, false
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, true
}
