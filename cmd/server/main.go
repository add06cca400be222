package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paperport/docscan-camera/internal/acquisition"
	"github.com/paperport/docscan-camera/internal/autocapture"
	"github.com/paperport/docscan-camera/internal/capture"
	"github.com/paperport/docscan-camera/internal/config"
	"github.com/paperport/docscan-camera/internal/logger"
	"github.com/paperport/docscan-camera/internal/metrics"
	"github.com/paperport/docscan-camera/internal/server"
	"github.com/paperport/docscan-camera/pkg/types"
)

var (
	// Command-line flags; explicitly set flags override the config file.
	configPath  = flag.String("config", "", "Path to YAML config file")
	httpAddr    = flag.String("http", ":8080", "HTTP server address")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address")
	ifaceFlag   = flag.String("interface", "auto", "Camera interface (usb, csi, auto)")
	width       = flag.Int("width", 640, "Acquisition frame width")
	height      = flag.Int("height", 480, "Acquisition frame height")
	fps         = flag.Int("fps", 15, "Acquisition frame rate")
	captureDir  = flag.String("capture-dir", "./captures", "Capture output directory")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "docscan camera server starting...")
	logger.Info("Main", "interface=%s camera=%dx%d@%dfps capture_dir=%s",
		cfg.Interface, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS, cfg.CaptureDir)

	m := metrics.New()

	loop := acquisition.New(m)
	selection, _ := types.ParseInterface(cfg.Interface)
	if err := loop.Start(selection, cfg.Camera); err != nil {
		log.Fatalf("Failed to start acquisition: %v", err)
	}

	captureSvc := capture.New(loop, cfg.CaptureDir, cfg.CaptureMaxFiles, m)

	controller := autocapture.New(loop, func() (types.CaptureArtifact, bool) {
		artifact, err := captureSvc.Capture("")
		if err != nil {
			return types.CaptureArtifact{}, false
		}
		return artifact, true
	}, nil, m)

	srv := server.New(cfg, loop, controller, captureSvc, m)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}

	// Metrics server
	go func() {
		logger.Info("Main", "metrics server on %s", cfg.MetricsAddr)
		if err := m.StartServer(cfg.MetricsAddr); err != nil {
			logger.Error("Main", "metrics server: %v", err)
		}
	}()

	// HTTP server
	go func() {
		logger.Info("Main", "http server on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "http server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Main", "http shutdown: %v", err)
	}

	controller.Stop()
	loop.Stop()

	logger.Info("Main", "server stopped")
}

// applyFlags copies explicitly set flags over the loaded config.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "interface":
			cfg.Interface = *ifaceFlag
		case "width":
			cfg.Camera.Width = *width
		case "height":
			cfg.Camera.Height = *height
		case "fps":
			cfg.Camera.FPS = *fps
		case "capture-dir":
			cfg.CaptureDir = *captureDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
}
