package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Buffer sizes for the pipeline hops. The capture hop may block the source
// (a live camera's own rate is the natural limiter); the recorder hop is
// deliberately small so the disk applies light backpressure rather than
// silently dropping frames inside a segment. Alert events are rare, so
// their buffer only absorbs bursts.
const (
	frameBufferSize    = 100
	recorderBufferSize = 8
	eventBufferSize    = 16
)

// shutdownTimeout bounds how long subscriber connections get to close.
const shutdownTimeout = 5 * time.Second

// pipelineMetrics tracks pipeline health counters shared across stages.
type pipelineMetrics struct {
	framesCaptured  atomic.Int64
	segmentsWritten atomic.Int64
	alertsSent      atomic.Int64
	alertFailures   atomic.Int64
	streamDropped   atomic.Int64
	subscribers     atomic.Int64
	motionActive    atomic.Bool
	started         time.Time
}

// classifiedFrame pairs a frame with the transition emitted on it, if any.
type classifiedFrame struct {
	frame      Frame
	transition *Transition
}

// Pipeline wires the frame source, motion detector and the three
// downstream consumers together and owns the shutdown protocol.
type Pipeline struct {
	cfg         *Config
	logger      *slog.Logger
	metrics     *pipelineMetrics
	source      frameSource
	scorer      frameScorer
	detector    *MotionDetector
	recorder    *SegmentRecorder
	broadcaster *FrameBroadcaster
	alerter     *AlertDispatcher
}

// NewPipeline opens the configured frame source and assembles the
// pipeline components around it.
func NewPipeline(cfg *Config, logger *slog.Logger) (*Pipeline, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	source, err := newFrameSource(cfg)
	if err != nil {
		return nil, err
	}

	width, height := source.Size()
	fps := source.FPS()

	metrics := &pipelineMetrics{started: time.Now()}
	scorer := newDiffScorer()

	input := fmt.Sprintf("device:%d", cfg.Index)
	if cfg.Video != "" {
		input = cfg.Video
	}
	logger.Info("Starting Stream Motion Recorder",
		"input", input,
		"framerate", fps,
		"frame_size", fmt.Sprintf("%dx%d", width, height),
		"overlay", cfg.Overlay,
		"output_template", filepath.Join(cfg.Dir, cfg.Format+segmentExt),
		"listen", cfg.ListenAddr,
		"alerting", cfg.AlertURL != "")

	return &Pipeline{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		source:      source,
		scorer:      scorer,
		detector:    NewMotionDetector(cfg, logger, scorer),
		recorder:    NewSegmentRecorder(cfg, logger, metrics, newVideoSinkFactory(cfg), fps, width, height),
		broadcaster: NewFrameBroadcaster(cfg, logger, metrics),
		alerter:     NewAlertDispatcher(cfg, logger, metrics),
	}, nil
}

// Run executes the pipeline until the source is exhausted, the source
// fails, or the context is cancelled. It returns nil for a normal end of
// stream or shutdown signal, and the device error otherwise.
//
// Teardown is ordered: the capture loop stops first and closes its
// channel, the close propagates through the detector to the recorder and
// alerter, the recorder finalizes any open segment, and the stream server
// closes its subscriber connections last.
func (p *Pipeline) Run(ctx context.Context) error {
	frames := make(chan Frame, frameBufferSize)
	classified := make(chan classifiedFrame, recorderBufferSize)
	events := make(chan Transition, eventBufferSize)

	p.broadcaster.Start()

	var wg sync.WaitGroup
	var srcErr error

	// Capture: the single producer. Pulls frames until end of stream,
	// device failure, or cancellation.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(frames)
		for {
			f, err := p.source.Next(ctx)
			if err != nil {
				switch {
				case errors.Is(err, io.EOF):
					p.logger.Info("End of stream reached")
				case errors.Is(err, context.Canceled):
				default:
					srcErr = err
				}
				return
			}

			p.metrics.framesCaptured.Add(1)
			select {
			case frames <- f:
			case <-ctx.Done():
				f.Image.Close()
				return
			}
		}
	}()

	// Detect and fan out. Publishing to the broadcaster never blocks; the
	// recorder send deliberately may, and the alert send never does.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(classified)
		defer close(events)
		for f := range frames {
			tr := p.detector.Observe(f)
			if tr != nil {
				p.metrics.motionActive.Store(tr.State == StateActive)
				p.logger.Info("Motion transition",
					"state", tr.State,
					"frame_id", tr.FrameID,
					"score", tr.Score)

				select {
				case events <- *tr:
				default:
					p.logger.Warn("Dropped motion event, alert queue full",
						"state", tr.State,
						"frame_id", tr.FrameID)
				}
			}

			p.broadcaster.Publish(f)
			classified <- classifiedFrame{frame: f, transition: tr}
		}
	}()

	// Record. Drains its channel completely even during shutdown so every
	// in-flight frame lands in a segment before finalization.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for cf := range classified {
			p.recorder.Process(cf.frame, cf.transition)
		}
		p.recorder.Flush()
	}()

	// Alert.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tr := range events {
			p.alerter.Handle(tr)
		}
	}()

	reportCtx, stopReport := context.WithCancel(ctx)
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		p.reportMetrics(reportCtx)
	}()

	wg.Wait()
	stopReport()
	<-reporterDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	p.broadcaster.Stop(shutdownCtx)

	return srcErr
}

// Close releases the frame source and scoring resources.
func (p *Pipeline) Close() error {
	p.scorer.Close()
	return p.source.Close()
}

// reportMetrics periodically logs pipeline health counters.
func (p *Pipeline) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.logger.Debug("Pipeline metrics report",
				"frames_captured", p.metrics.framesCaptured.Load(),
				"segments_written", p.metrics.segmentsWritten.Load(),
				"alerts_sent", p.metrics.alertsSent.Load(),
				"alert_failures", p.metrics.alertFailures.Load(),
				"stream_dropped", p.metrics.streamDropped.Load(),
				"subscribers", p.metrics.subscribers.Load(),
				"motion_active", p.metrics.motionActive.Load())
		}
	}
}
