package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperport/docscan-camera/internal/autocapture"
	"github.com/paperport/docscan-camera/internal/camera"
	"github.com/paperport/docscan-camera/internal/capture"
	"github.com/paperport/docscan-camera/internal/config"
	"github.com/paperport/docscan-camera/pkg/types"
)

// fakeLoop stands in for the acquisition loop on both the serving and
// capture paths.
type fakeLoop struct {
	alive bool
	frame *types.Frame
}

func (f *fakeLoop) Alive() bool { return f.alive }

func (f *fakeLoop) Frame() (types.Frame, bool) {
	if f.frame == nil {
		return types.Frame{}, false
	}
	return f.frame.Clone(), true
}

func (f *fakeLoop) Config() types.CameraConfig {
	return types.CameraConfig{Width: 640, Height: 480, FPS: 15}
}

func (f *fakeLoop) Provider() camera.Provider { return nil }

func solidFrame(width, height int) types.Frame {
	data := make([]byte, width*height*types.Channels)
	for i := range data {
		data[i] = 180
	}
	return types.Frame{Data: data, Width: width, Height: height, Timestamp: time.Now()}
}

func positiveDetect(types.Frame, float64) (types.DetectionResult, error) {
	return types.DetectionResult{Detected: true}, nil
}

func newTestServer(t *testing.T, loop *fakeLoop) (*Server, *autocapture.Controller) {
	t.Helper()

	cfg := config.Default()
	svc := capture.New(loop, t.TempDir(), cfg.CaptureMaxFiles, nil)
	controller := autocapture.New(loop, func() (types.CaptureArtifact, bool) {
		artifact, err := svc.Capture("")
		if err != nil {
			return types.CaptureArtifact{}, false
		}
		return artifact, true
	}, positiveDetect, nil)
	t.Cleanup(controller.Stop)

	return New(cfg, loop, controller, svc, nil), controller
}

func decodeBody(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	payload := map[string]any{}
	require.NoError(t, json.NewDecoder(body).Decode(&payload))
	return payload
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{alive: true})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec.Body)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, true, payload["alive"])
}

func TestStatusFields(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{alive: true})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec.Body)

	acq, ok := payload["acquisition"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, acq["alive"])
	assert.EqualValues(t, 640, acq["width"])
	assert.EqualValues(t, 480, acq["height"])

	// Auto-detection defaults to disabled until the controller is started.
	assert.Equal(t, false, payload["auto_detect_enabled"])

	cap, ok := payload["capture"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, cap["file_count"])
}

func TestStreamUnavailableWhenAcquisitionDead(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{alive: false})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	payload := decodeBody(t, rec.Body)
	assert.Equal(t, "camera offline", payload["error"])
}

func TestStreamDeliversMultipartFrames(t *testing.T) {
	frame := solidFrame(32, 24)
	srv, _ := newTestServer(t, &fakeLoop{alive: true, frame: &frame})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")

	reader := bufio.NewReader(resp.Body)
	sawBoundary := false
	sawLength := false
	for i := 0; i < 20; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "--frame") {
			sawBoundary = true
		}
		if strings.HasPrefix(line, "Content-Length:") {
			sawLength = true
		}
		if sawBoundary && sawLength {
			break
		}
	}
	cancel()

	assert.True(t, sawBoundary, "stream must emit the boundary delimiter")
	assert.True(t, sawLength, "stream must emit a content length per part")
}

func TestCaptureEndpoint(t *testing.T) {
	frame := solidFrame(32, 24)
	srv, _ := newTestServer(t, &fakeLoop{alive: true, frame: &frame})

	rec := postJSON(t, srv.Handler(), "/api/capture", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec.Body)
	artifact, ok := payload["capture"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, artifact["path"])
	assert.Equal(t, string(types.SourceFallback), artifact["source"])
}

func TestCaptureEndpointUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{alive: false})

	rec := postJSON(t, srv.Handler(), "/api/capture", map[string]any{})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCaptureEndpointRejectsBadFilename(t *testing.T) {
	frame := solidFrame(32, 24)
	srv, _ := newTestServer(t, &fakeLoop{alive: true, frame: &frame})

	rec := postJSON(t, srv.Handler(), "/api/capture", map[string]any{"filename": "../evil.jpg"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutoDetectLifecycle(t *testing.T) {
	frame := solidFrame(32, 24)
	srv, controller := newTestServer(t, &fakeLoop{alive: true, frame: &frame})
	handler := srv.Handler()

	// Enable.
	rec := postJSON(t, handler, "/api/autodetect", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec.Body)["enabled"])
	assert.True(t, controller.Running())

	// Enabling again is a no-op, not an error.
	rec = postJSON(t, handler, "/api/autodetect", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)

	// Disable.
	rec = postJSON(t, handler, "/api/autodetect", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec.Body)["enabled"])
	assert.False(t, controller.Running())
}

func TestAutoDetectRejectsOutOfRangeParameters(t *testing.T) {
	frame := solidFrame(32, 24)
	srv, _ := newTestServer(t, &fakeLoop{alive: true, frame: &frame})

	rec := postJSON(t, srv.Handler(), "/api/autodetect", map[string]any{
		"enabled":   true,
		"threshold": 99,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec.Body)["error"], "threshold")
}

func TestAutoDetectUnavailableWhenAcquisitionDead(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{alive: false})

	rec := postJSON(t, srv.Handler(), "/api/autodetect", map[string]any{"enabled": true})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, &fakeLoop{alive: true})
	handler := srv.Handler()

	for _, path := range []string{"/api/capture", "/api/autodetect"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stream", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
