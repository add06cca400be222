package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paperport/docscan-camera/pkg/types"
)

// Config defines the runtime configuration for the camera service.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Interface string             `yaml:"interface"` // usb, csi or auto
	Camera    types.CameraConfig `yaml:"camera"`

	CaptureDir      string `yaml:"capture_dir"`
	CaptureMaxFiles int    `yaml:"capture_max_files"`

	StreamQuality int `yaml:"stream_quality"` // JPEG quality 1-100
	StreamFPS     int `yaml:"stream_fps"`     // output rate cap, decoupled from acquisition

	AutoDetect AutoDetectConfig `yaml:"auto_detect"`

	LogLevel string `yaml:"log_level"`
	LogColor bool   `yaml:"log_color"`
}

// AutoDetectConfig holds the default auto-capture parameters. The
// control endpoint may override them per session.
type AutoDetectConfig struct {
	Sensitivity float64       `yaml:"sensitivity"`
	Interval    time.Duration `yaml:"interval"`
	Threshold   int           `yaml:"threshold"`
}

// UnmarshalYAML accepts duration strings ("2s", "1500ms") for the
// interval and leaves omitted keys at their current values.
func (a *AutoDetectConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Sensitivity *float64 `yaml:"sensitivity"`
		Interval    string   `yaml:"interval"`
		Threshold   *int     `yaml:"threshold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Sensitivity != nil {
		a.Sensitivity = *raw.Sensitivity
	}
	if raw.Threshold != nil {
		a.Threshold = *raw.Threshold
	}
	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("auto_detect interval %q: %w", raw.Interval, err)
		}
		a.Interval = d
	}
	return nil
}

// Default returns the configuration used when no file or flag says otherwise.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		Interface:   string(types.InterfaceAuto),
		Camera: types.CameraConfig{
			Width:  640,
			Height: 480,
			FPS:    15,
		},
		CaptureDir:      "./captures",
		CaptureMaxFiles: 100,
		StreamQuality:   80,
		StreamFPS:       15,
		AutoDetect: AutoDetectConfig{
			Sensitivity: 0.15,
			Interval:    2 * time.Second,
			Threshold:   3,
		},
		LogLevel: "info",
		LogColor: true,
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects malformed configuration before any hardware or
// filesystem action.
func (c Config) Validate() error {
	if _, err := types.ParseInterface(c.Interface); err != nil {
		return err
	}
	if err := c.Camera.Validate(); err != nil {
		return err
	}
	if c.StreamQuality < 1 || c.StreamQuality > 100 {
		return fmt.Errorf("stream quality %d out of range [1, 100]", c.StreamQuality)
	}
	if c.StreamFPS < 1 || c.StreamFPS > types.MaxFPS {
		return fmt.Errorf("stream fps %d out of range [1, %d]", c.StreamFPS, types.MaxFPS)
	}
	if c.CaptureMaxFiles < 1 {
		return fmt.Errorf("capture max files %d must be positive", c.CaptureMaxFiles)
	}
	if c.CaptureDir == "" {
		return fmt.Errorf("capture directory must not be empty")
	}
	return nil
}
