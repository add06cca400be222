// Package capture writes high-resolution document captures to disk
// and enforces a retention cap on the output directory. At most one
// capture runs at a time system-wide: the capture lock serializes
// auto-triggered and user-triggered attempts, and is distinct from
// the frame-slot lock because a hardware grab can take substantially
// longer than a slot copy.
package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/paperport/docscan-camera/internal/camera"
	"github.com/paperport/docscan-camera/internal/logger"
	"github.com/paperport/docscan-camera/internal/metrics"
	"github.com/paperport/docscan-camera/pkg/types"
)

// FileExt is the fixed extension for capture artifacts.
const FileExt = ".jpg"

// jpegQuality for written captures. Higher than the stream quality;
// these files feed OCR downstream.
const jpegQuality = 95

// ErrUnavailable is returned when neither the hardware still path nor
// the latest low-resolution frame can supply an image.
var ErrUnavailable = errors.New("no frame available for capture")

// Source supplies the fallback chain: the active provider for a
// hardware-native grab, and the freshest loop frame as fallback.
type Source interface {
	Provider() camera.Provider
	Frame() (types.Frame, bool)
}

// Service is the high-resolution capture service.
type Service struct {
	source   Source
	dir      string
	maxFiles int
	metrics  *metrics.Metrics

	// captureMu is the dedicated capture lock. It is held for the
	// entire grab-or-fallback-and-write sequence.
	captureMu sync.Mutex
}

// New creates a capture service writing into dir with the given
// retention cap. m may be nil.
func New(source Source, dir string, maxFiles int, m *metrics.Metrics) *Service {
	return &Service{
		source:   source,
		dir:      dir,
		maxFiles: maxFiles,
		metrics:  m,
	}
}

// Capture runs the fallback chain and writes one artifact. An empty
// filename selects a timestamp-derived default. Filename validation
// errors are returned synchronously before any filesystem action;
// ErrUnavailable means both capture paths came up empty.
func (s *Service) Capture(filename string) (types.CaptureArtifact, error) {
	name, err := resolveFilename(filename)
	if err != nil {
		return types.CaptureArtifact{}, err
	}

	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	frame, source, ok := s.grab()
	if !ok {
		if s.metrics != nil {
			s.metrics.CaptureFailures.Add(1)
		}
		return types.CaptureArtifact{}, ErrUnavailable
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		if s.metrics != nil {
			s.metrics.CaptureFailures.Add(1)
		}
		return types.CaptureArtifact{}, fmt.Errorf("create capture directory: %w", err)
	}

	path, err := filepath.Abs(filepath.Join(s.dir, name))
	if err != nil {
		return types.CaptureArtifact{}, fmt.Errorf("resolve capture path: %w", err)
	}

	if err := writeJPEG(path, frame); err != nil {
		if s.metrics != nil {
			s.metrics.CaptureFailures.Add(1)
		}
		return types.CaptureArtifact{}, err
	}

	s.sweep()

	if s.metrics != nil {
		s.metrics.Captures.Add(1)
	}
	logger.Info("Capture", "wrote %s (%s, %dx%d)", path, source, frame.Width, frame.Height)

	return types.CaptureArtifact{
		ID:        uuid.NewString(),
		Path:      path,
		CreatedAt: time.Now(),
		Source:    source,
	}, nil
}

// grab walks the fallback chain: hardware-native still first, then
// the latest low-resolution frame.
func (s *Service) grab() (types.Frame, types.CaptureSource, bool) {
	if provider := s.source.Provider(); provider != nil {
		if frame, ok := provider.Still(); ok && frame.Valid() {
			return frame, types.SourceHardware, true
		}
	}
	if frame, ok := s.source.Frame(); ok && frame.Valid() {
		return frame, types.SourceFallback, true
	}
	return types.Frame{}, "", false
}

// resolveFilename validates a caller-supplied name or derives the
// timestamped default. Only bare names with the expected extension
// are accepted; anything resembling a path is rejected before any
// filesystem write.
func resolveFilename(name string) (string, error) {
	if name == "" {
		return "capture_" + time.Now().Format("20060102_150405.000") + FileExt, nil
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("filename %q must be a bare name without path separators", name)
	}
	if !strings.HasSuffix(name, FileExt) {
		return "", fmt.Errorf("filename %q must end in %s", name, FileExt)
	}
	return name, nil
}

func writeJPEG(path string, frame types.Frame) error {
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return fmt.Errorf("capture frame: %w", err)
	}
	defer mat.Close()

	if ok := gocv.IMWriteWithParams(path, mat, []int{gocv.IMWriteJpegQuality, jpegQuality}); !ok {
		return fmt.Errorf("write capture %s failed", path)
	}
	return nil
}

// sweep deletes the oldest artifacts by modification time while the
// directory holds more than the cap. A file that disappears mid-sweep
// is somebody else's deletion, not an error.
func (s *Service) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logger.Warn("Capture", "retention sweep: %v", err)
		return
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{
			path:    filepath.Join(s.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	if len(files) <= s.maxFiles {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files[:len(files)-s.maxFiles] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Capture", "retention sweep remove %s: %v", f.path, err)
			continue
		}
		logger.Debug("Capture", "retention sweep removed %s", f.path)
	}
}

// FileCount reports the number of artifacts currently retained.
func (s *Service) FileCount() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), FileExt) {
			count++
		}
	}
	return count
}

// Dir returns the capture output directory.
func (s *Service) Dir() string {
	return s.dir
}
