// Package server exposes the camera core over HTTP: the MJPEG stream,
// the capture trigger, auto-detection control and status.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/paperport/docscan-camera/internal/autocapture"
	"github.com/paperport/docscan-camera/internal/capture"
	"github.com/paperport/docscan-camera/internal/config"
	"github.com/paperport/docscan-camera/internal/logger"
	"github.com/paperport/docscan-camera/internal/metrics"
	"github.com/paperport/docscan-camera/pkg/types"
)

// Acquisition is the slice of the acquisition loop the server needs.
type Acquisition interface {
	Frame() (types.Frame, bool)
	Alive() bool
	Config() types.CameraConfig
}

// Server wires the HTTP surface to the acquisition core.
type Server struct {
	cfg        config.Config
	loop       Acquisition
	controller *autocapture.Controller
	capture    *capture.Service
	metrics    *metrics.Metrics
}

// New returns a configured server. controller and capture service
// must be non-nil; metrics may be nil.
func New(cfg config.Config, loop Acquisition, controller *autocapture.Controller, svc *capture.Service, m *metrics.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		loop:       loop,
		controller: controller,
		capture:    svc,
		metrics:    m,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/autodetect", s.handleAutoDetect)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.loop.Alive() {
		writeJSONWithStatus(w, map[string]any{"error": "camera offline"}, http.StatusServiceUnavailable)
		return
	}

	viewerID := uuid.NewString()
	if s.metrics != nil {
		s.metrics.StreamClients.Add(1)
		defer s.metrics.StreamClients.Add(-1)
	}
	logger.Info("Stream", "viewer %s connected from %s", viewerID, r.RemoteAddr)
	defer logger.Info("Stream", "viewer %s closed", viewerID)

	s.streamMJPEG(w, r, viewerID)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Filename string `json:"filename"`
	}
	if r.Body != nil {
		// An empty body selects the default filename.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	artifact, err := s.capture.Capture(req.Filename)
	if errors.Is(err, capture.ErrUnavailable) {
		writeJSONWithStatus(w, map[string]any{"error": "camera offline"}, http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"capture": artifact,
	})
}

// autoDetectRequest is the control payload for auto-detection.
// Omitted tuning fields fall back to the configured defaults.
type autoDetectRequest struct {
	Enabled         bool     `json:"enabled"`
	Sensitivity     *float64 `json:"sensitivity"`
	IntervalSeconds *float64 `json:"interval_seconds"`
	Threshold       *int     `json:"threshold"`
}

func (s *Server) handleAutoDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req autoDetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid request body"}, http.StatusBadRequest)
		return
	}

	if !req.Enabled {
		s.controller.Stop()
		writeJSON(w, map[string]any{"enabled": false})
		return
	}

	if !s.loop.Alive() {
		writeJSONWithStatus(w, map[string]any{"error": "acquisition is not running"}, http.StatusServiceUnavailable)
		return
	}

	opts := autocapture.Options{
		Sensitivity: s.cfg.AutoDetect.Sensitivity,
		Interval:    s.cfg.AutoDetect.Interval,
		Threshold:   s.cfg.AutoDetect.Threshold,
	}
	if req.Sensitivity != nil {
		opts.Sensitivity = *req.Sensitivity
	}
	if req.IntervalSeconds != nil {
		opts.Interval = time.Duration(*req.IntervalSeconds * float64(time.Second))
	}
	if req.Threshold != nil {
		opts.Threshold = *req.Threshold
	}

	if err := s.controller.Start(opts); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{"enabled": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.loop.Config()

	enabled := false
	if s.controller != nil {
		enabled = s.controller.Running()
	}

	payload := map[string]any{
		"acquisition": map[string]any{
			"alive":  s.loop.Alive(),
			"width":  cfg.Width,
			"height": cfg.Height,
			"fps":    cfg.FPS,
		},
		"auto_detect_enabled": enabled,
		"capture": map[string]any{
			"directory":  s.capture.Dir(),
			"file_count": s.capture.FileCount(),
		},
		"timestamp": float64(time.Now().Unix()),
	}
	if s.metrics != nil {
		payload["frames_published"] = s.metrics.FramesPublished.Load()
	}
	writeJSON(w, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"alive":  s.loop.Alive(),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
