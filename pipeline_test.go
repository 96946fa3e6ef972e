package main

import (
	"context"
	"io"
	"testing"
	"time"
)

// stubSource replays a fixed number of frames on the 25 fps test timeline
// and then reports end of stream. With limit 0 it produces frames until
// the context is cancelled.
type stubSource struct {
	limit     int
	produced  chan struct{} // closed once the stub runs out of frames
	signalled bool
	nextID    int
	closed    bool
}

func newStubSource(limit int) *stubSource {
	return &stubSource{limit: limit, produced: make(chan struct{})}
}

func (s *stubSource) Next(ctx context.Context) (Frame, error) {
	if s.limit > 0 && s.nextID >= s.limit {
		return Frame{}, io.EOF
	}
	if s.limit == 0 && s.nextID >= 100 {
		// Block like a stalled device until shutdown.
		if !s.signalled {
			s.signalled = true
			close(s.produced)
		}
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	default:
	}

	s.nextID++
	return frameAt(s.nextID), nil
}

func (s *stubSource) FPS() float64     { return testFPS }
func (s *stubSource) Size() (int, int) { return 640, 480 }
func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

// idScorer scores frames by ID: one sustained motion burst on frames
// 301..360, background noise everywhere else.
type idScorer struct{}

func (idScorer) Score(f Frame) (float64, bool) {
	if f.ID >= 301 && f.ID <= 360 {
		return 0.05, true
	}
	return 0.001, true
}

func (idScorer) Close() error { return nil }

// steadyScorer reports motion on every frame.
type steadyScorer struct{}

func (steadyScorer) Score(_ Frame) (float64, bool) { return 0.9, true }
func (steadyScorer) Close() error                  { return nil }

func testPipelineConfig(t *testing.T, alertURL string) *Config {
	t.Helper()
	return &Config{
		Dir:           t.TempDir(),
		Format:        "2006-01-02_15-04-05",
		ThresholdHigh: 0.02,
		ThresholdLow:  0.01,
		FramesOn:      5,
		FramesOff:     5,
		Lead:          200 * time.Millisecond,
		Trail:         400 * time.Millisecond,
		AlertURL:      alertURL,
		AlertChannel:  "#alerts",
		AlertUser:     "motion-bot",
		AlertCooldown: 5 * time.Second,
		ListenAddr:    "127.0.0.1:0",
		StreamFormat:  ".jpg",
	}
}

// newTestPipeline assembles a pipeline around a stub source and scorer,
// with the broadcaster's OpenCV seams replaced.
func newTestPipeline(t *testing.T, cfg *Config, src frameSource, scorer frameScorer) (*Pipeline, *fakeSinkFactory) {
	t.Helper()
	logger := testLogger()
	metrics := &pipelineMetrics{started: time.Now()}
	factory := &fakeSinkFactory{}

	broadcaster := NewFrameBroadcaster(cfg, logger, metrics)
	broadcaster.clone = func(f Frame) Frame { return f }
	broadcaster.encode = func(f Frame) ([]byte, error) { return []byte("x"), nil }

	return &Pipeline{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		source:      src,
		scorer:      scorer,
		detector:    NewMotionDetector(cfg, logger, scorer),
		recorder:    NewSegmentRecorder(cfg, logger, metrics, factory.new, testFPS, 640, 480),
		broadcaster: broadcaster,
		alerter:     NewAlertDispatcher(cfg, logger, metrics),
	}, factory
}

func TestPipelineEndToEnd(t *testing.T) {
	srv := newAlertServer(t)
	cfg := testPipelineConfig(t, srv.URL)
	src := newStubSource(500)
	p, factory := newTestPipeline(t, cfg, src, idScorer{})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil on end of stream", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if got := p.metrics.framesCaptured.Load(); got != 500 {
		t.Errorf("framesCaptured = %d, want 500", got)
	}

	// Motion on 301..360 with FramesOn=5 activates on frame 305 and, with
	// FramesOff=5, deactivates on frame 365.
	if len(factory.sinks) != 1 {
		t.Fatalf("created %d sinks, want 1", len(factory.sinks))
	}
	sink := factory.sinks[0]
	if !sink.closed {
		t.Error("segment sink left open after Run returned")
	}

	// Lead starts 5 frames before activation; trail runs 10 frames past
	// deactivation: 300..375.
	if got := sink.frameIDs[0]; got < 299 || got > 301 {
		t.Errorf("segment starts at frame %d, want 300 +/- 1", got)
	}
	if got := len(sink.frameIDs); got < 75 || got > 77 {
		t.Errorf("segment holds %d frames, want 76 +/- 1", got)
	}

	if files := segmentFiles(t, cfg.Dir); len(files) != 1 {
		t.Fatalf("found %d finalized segments, want 1: %v", len(files), files)
	}
	if got := p.metrics.segmentsWritten.Load(); got != 1 {
		t.Errorf("segmentsWritten = %d, want 1", got)
	}

	// One episode, one alert.
	if len(srv.received()) != 1 {
		t.Errorf("webhook received %d alerts, want 1", len(srv.received()))
	}
	if p.metrics.motionActive.Load() {
		t.Error("motion still reported active after the burst ended")
	}
}

func TestPipelineShutdownFinalizesOpenSegment(t *testing.T) {
	cfg := testPipelineConfig(t, "")
	src := newStubSource(0)
	p, factory := newTestPipeline(t, cfg, src, steadyScorer{})

	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	// Wait for the source to drain, then signal shutdown. Cancelling twice
	// must be harmless.
	select {
	case <-src.produced:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never consumed the stub frames")
	}
	cancel()
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() = %v, want nil on shutdown signal", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !src.closed {
		t.Error("frame source was not closed")
	}

	// Motion was active the whole time, so a segment was open when the
	// shutdown arrived; it must be finalized, not abandoned.
	if len(factory.sinks) != 1 {
		t.Fatalf("created %d sinks, want 1", len(factory.sinks))
	}
	if !factory.sinks[0].closed {
		t.Error("open segment was not finalized on shutdown")
	}
	if files := segmentFiles(t, cfg.Dir); len(files) != 1 {
		t.Fatalf("found %d finalized segments after shutdown, want 1", len(files))
	}
}
