package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"gocv.io/x/gocv"
)

// Frame represents a captured video frame flowing through the pipeline.
// A frame is immutable once produced: the detector reads it, the recorder
// eventually owns and closes the Mat, and the broadcaster works on clones.
type Frame struct {
	// Image holds the OpenCV Mat containing the raw frame pixels.
	Image gocv.Mat

	// ID is a monotonically increasing counter starting from 1
	// that uniquely identifies each captured frame in the stream.
	ID int64

	// Timestamp records when the frame was captured (live input) or the
	// wall-clock instant it was delivered (file input).
	Timestamp time.Time

	// Width and Height mirror the capture geometry.
	Width  int
	Height int
}

// frameSource abstracts the frame producer: a live capture device or a
// file-backed source. Exactly one goroutine calls Next at a time.
//
// Next returns io.EOF when a file source is exhausted; any other error is a
// device failure and terminates the pipeline. A live source never returns
// io.EOF.
type frameSource interface {
	Next(ctx context.Context) (Frame, error)
	FPS() float64
	Size() (width, height int)
	Close() error
}

// newFrameSource selects the source implementation from the configuration.
func newFrameSource(cfg *Config) (frameSource, error) {
	if cfg.Video != "" {
		return newFileSource(cfg.Video)
	}
	return newCameraSource(cfg)
}

// cameraSource produces frames from a live capture device at the device's
// own rate; the blocking device read is the pipeline's natural rate limiter.
type cameraSource struct {
	capture *gocv.VideoCapture
	img     gocv.Mat
	nextID  int64
	width   int
	height  int
	fps     float64
}

func newCameraSource(cfg *Config) (*cameraSource, error) {
	capture, err := gocv.OpenVideoCapture(cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device %d: %w", cfg.Index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("capture device %d is not opened", cfg.Index)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	// The device may clamp the requested geometry; report what it settled on.
	width := int(capture.Get(gocv.VideoCaptureFrameWidth))
	height := int(capture.Get(gocv.VideoCaptureFrameHeight))
	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = float64(cfg.Framerate)
	}

	return &cameraSource{
		capture: capture,
		img:     gocv.NewMat(),
		width:   width,
		height:  height,
		fps:     fps,
	}, nil
}

func (s *cameraSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	default:
	}

	if !s.capture.Read(&s.img) {
		return Frame{}, fmt.Errorf("failed to read frame from capture device")
	}
	if s.img.Empty() {
		return Frame{}, fmt.Errorf("capture device produced an empty frame")
	}

	s.nextID++
	return Frame{
		Image:     s.img.Clone(),
		ID:        s.nextID,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
	}, nil
}

func (s *cameraSource) FPS() float64 { return s.fps }

func (s *cameraSource) Size() (int, int) { return s.width, s.height }

func (s *cameraSource) Close() error {
	s.img.Close()
	return s.capture.Close()
}

// fileSource produces frames from a pre-recorded video, paced at the
// container's native framerate, and reports io.EOF on exhaustion.
type fileSource struct {
	capture *gocv.VideoCapture
	img     gocv.Mat
	ticker  *time.Ticker
	nextID  int64
	width   int
	height  int
	fps     float64
}

func newFileSource(path string) (*fileSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video file %s: %w", path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video file %s is not opened", path)
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = 25
	}

	return &fileSource{
		capture: capture,
		img:     gocv.NewMat(),
		ticker:  time.NewTicker(time.Duration(float64(time.Second) / fps)),
		width:   int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:  int(capture.Get(gocv.VideoCaptureFrameHeight)),
		fps:     fps,
	}, nil
}

func (s *fileSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.ticker.C:
	}

	// A failed read or an empty frame on a file input means the stream is
	// exhausted, which is the normal shutdown trigger.
	if !s.capture.Read(&s.img) || s.img.Empty() {
		return Frame{}, io.EOF
	}

	s.nextID++
	return Frame{
		Image:     s.img.Clone(),
		ID:        s.nextID,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
	}, nil
}

func (s *fileSource) FPS() float64 { return s.fps }

func (s *fileSource) Size() (int, int) { return s.width, s.height }

func (s *fileSource) Close() error {
	s.ticker.Stop()
	s.img.Close()
	return s.capture.Close()
}
