// Package main implements a Stream Motion Recorder CLI application that
// classifies a live camera or video-file stream as "motion present" or
// "idle" and fans the classified stream out to three consumers: a video
// segment recorder bracketing motion episodes, an MJPEG live streamer, and
// a webhook alert dispatcher.
//
// The application captures frames with OpenCV, scores consecutive frame
// pairs for motion, and coordinates recording, streaming and alerting under
// a single cancellation signal so that open recordings are finalized and
// sockets are closed on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Config holds the fully resolved application configuration. It is built
// once from command-line flags, validated, and shared read-only by every
// pipeline component.
type Config struct {
	// Source selection: Video takes a file path; when empty, Index selects
	// a live capture device. The two are mutually exclusive.
	Index int
	Video string

	// Capture geometry, applied to live devices only. A file input keeps
	// its native size and framerate.
	Width     int
	Height    int
	Framerate int

	// Recording output.
	Dir           string
	Format        string // time layout used to name segment files
	Overlay       bool   // draw a timestamp overlay on recorded frames
	OverlayBorder int

	// Motion detection hysteresis.
	ThresholdHigh float64
	ThresholdLow  float64
	FramesOn      int
	FramesOff     int
	Lead          time.Duration
	Trail         time.Duration

	// Alerting. Disabled when AlertURL is empty.
	AlertURL      string
	AlertChannel  string
	AlertUser     string
	AlertCooldown time.Duration

	// Live streaming.
	ListenAddr   string
	StreamFormat string

	Quiet     bool
	LogFormat string
}

// parseFlags parses command-line arguments and returns the application configuration.
func parseFlags() (*Config, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("smr", flag.ContinueOnError)

	var (
		index         = fs.Int("index", 0, "Capture device index for live input")
		video         = fs.String("video", "", "Video file input (mutually exclusive with -index)")
		width         = fs.Int("width", 640, "Capture frame width (live input only)")
		height        = fs.Int("height", 480, "Capture frame height (live input only)")
		framerate     = fs.Int("framerate", 25, "Capture framerate (live input only)")
		dir           = fs.String("dir", ".", "Directory for recorded segments")
		format        = fs.String("format", "2006-01-02_15-04-05", "Time layout used to name segment files")
		overlay       = fs.Bool("overlay", false, "Draw date&time overlay on recorded frames")
		overlayBorder = fs.Int("overlay-border", 2, "Overlay text border thickness")
		thresholdHigh = fs.Float64("threshold-high", 0.02, "Changed-pixel ratio to enter motion state")
		thresholdLow  = fs.Float64("threshold-low", 0.01, "Changed-pixel ratio to leave motion state")
		framesOn      = fs.Int("frames-on", 5, "Consecutive high-score frames required to enter motion")
		framesOff     = fs.Int("frames-off", 5, "Consecutive low-score frames required to leave motion")
		lead          = fs.Duration("lead", 2*time.Second, "Footage retained before a motion episode")
		trail         = fs.Duration("trail", 4*time.Second, "Footage appended after a motion episode")
		alertURL      = fs.String("alert-url", "", "Webhook URL for motion alerts (empty disables alerting)")
		alertChannel  = fs.String("alert-channel", "#cam", "Alert payload channel")
		alertUser     = fs.String("alert-user", "detector", "Alert payload username")
		alertCooldown = fs.Duration("alert-cooldown", 5*time.Second, "Minimum interval between alerts")
		listen        = fs.String("listen", "127.0.0.1:8740", "Live stream listen address")
		streamFormat  = fs.String("stream-format", ".jpg", "Live stream image encoding: .jpg, .jpeg or .png")
		quiet         = fs.Bool("quiet", false, "Log warnings and errors only")
		logfmt        = fs.String("logfmt", "json", "Log format: json or kv")
	)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	indexSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "index" {
			indexSet = true
		}
	})
	if *video != "" && indexSet {
		return nil, fmt.Errorf("-index and -video are mutually exclusive")
	}

	if *logfmt != "json" && *logfmt != "kv" {
		return nil, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	if *thresholdHigh <= 0 || *thresholdHigh > 1 {
		return nil, fmt.Errorf("threshold-high must be in (0.0, 1.0]")
	}

	if *thresholdLow > *thresholdHigh {
		return nil, fmt.Errorf("threshold-low must not exceed threshold-high")
	}

	if *framesOn < 1 || *framesOff < 1 {
		return nil, fmt.Errorf("frames-on and frames-off must be at least 1")
	}

	if *lead < 0 || *trail < 0 {
		return nil, fmt.Errorf("lead and trail must not be negative")
	}

	switch *streamFormat {
	case ".jpg", ".jpeg", ".png":
	default:
		return nil, fmt.Errorf("stream-format must be .jpg, .jpeg or .png")
	}

	if *width <= 0 || *height <= 0 || *framerate <= 0 {
		return nil, fmt.Errorf("width, height and framerate must be positive")
	}

	cfg := &Config{
		Index:         *index,
		Video:         *video,
		Width:         *width,
		Height:        *height,
		Framerate:     *framerate,
		Dir:           *dir,
		Format:        *format,
		Overlay:       *overlay,
		OverlayBorder: *overlayBorder,
		ThresholdHigh: *thresholdHigh,
		ThresholdLow:  *thresholdLow,
		FramesOn:      *framesOn,
		FramesOff:     *framesOff,
		Lead:          *lead,
		Trail:         *trail,
		AlertURL:      *alertURL,
		AlertChannel:  *alertChannel,
		AlertUser:     *alertUser,
		AlertCooldown: *alertCooldown,
		ListenAddr:    *listen,
		StreamFormat:  *streamFormat,
		Quiet:         *quiet,
		LogFormat:     *logfmt,
	}

	// Recorded files already carry wall-clock timestamps, so the overlay
	// only makes sense for live input.
	if cfg.Video != "" {
		cfg.Overlay = false
	}

	return cfg, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string, quiet bool) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	config, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat, config.Quiet)
	slog.SetDefault(logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals. Repeated signals are harmless: cancelling
	// an already-cancelled context has no effect.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	pipeline, err := NewPipeline(config, logger)
	if err != nil {
		logger.Error("Failed to create pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	if err := pipeline.Run(ctx); err != nil {
		logger.Error("Pipeline failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Stream Motion Recorder stopped")
}
