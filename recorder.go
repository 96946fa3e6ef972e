package main

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"
)

// recorderState tracks the segment recorder's position in its
// Idle -> Recording -> Finalizing -> Idle cycle.
type recorderState int

const (
	recIdle recorderState = iota
	recRecording
	recFinalizing
)

func (s recorderState) String() string {
	switch s {
	case recIdle:
		return "idle"
	case recRecording:
		return "recording"
	case recFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// segmentSink is the destination for one segment's frames. The production
// sink wraps an OpenCV video writer; tests substitute a fake.
type segmentSink interface {
	Write(f Frame) error
	Close() error
}

// sinkFactory opens a new segment sink at the given path.
type sinkFactory func(path string, fps float64, width, height int) (segmentSink, error)

// frameRing retains the most recent frames while the recorder is idle so a
// new segment can start with lead footage from before the episode began.
// Evicted frames are closed; the ring owns everything it holds.
type frameRing struct {
	buf  []Frame
	head int
	size int
}

func newFrameRing(capacity int) *frameRing {
	return &frameRing{buf: make([]Frame, capacity)}
}

func (r *frameRing) push(f Frame) {
	if len(r.buf) == 0 {
		f.Image.Close()
		return
	}
	if r.size == len(r.buf) {
		r.buf[r.head].Image.Close()
		r.buf[r.head] = f
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = f
	r.size++
}

// drain returns the retained frames oldest-first and empties the ring.
// Ownership of the returned frames passes to the caller.
func (r *frameRing) drain() []Frame {
	out := make([]Frame, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	r.head = 0
	r.size = 0
	return out
}

func (r *frameRing) clear() {
	for _, f := range r.drain() {
		f.Image.Close()
	}
}

func (r *frameRing) len() int { return r.size }

// SegmentRecorder consumes classified frames and writes one video file per
// motion episode, bracketed by the configured lead and trail footage.
// Invariant: at most one sink is open at any time; every frame written
// belongs to exactly one segment.
type SegmentRecorder struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *pipelineMetrics
	newSink sinkFactory

	fps    float64
	width  int
	height int

	state     recorderState
	lead      *frameRing
	sink      segmentSink
	partPath  string
	finalPath string
	idleSince time.Time
	frames    int64
}

// NewSegmentRecorder creates a recorder in the idle state. The lead ring
// is sized from the configured lead duration at the source framerate.
func NewSegmentRecorder(cfg *Config, logger *slog.Logger, metrics *pipelineMetrics, newSink sinkFactory, fps float64, width, height int) *SegmentRecorder {
	leadFrames := int(cfg.Lead.Seconds() * fps)
	return &SegmentRecorder{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		newSink: newSink,
		fps:     fps,
		width:   width,
		height:  height,
		state:   recIdle,
		lead:    newFrameRing(leadFrames),
	}
}

// State returns the recorder's current state.
func (r *SegmentRecorder) State() recorderState { return r.state }

// Process consumes one classified frame. The recorder takes ownership of
// the frame's Mat: it is either retained in the lead ring or closed after
// being written (or dropped).
func (r *SegmentRecorder) Process(f Frame, tr *Transition) {
	switch r.state {
	case recIdle:
		if tr != nil && tr.State == StateActive {
			r.openSegment(tr.At)
			r.writeFrame(f)
			return
		}
		r.lead.push(f)

	case recRecording:
		r.writeFrame(f)
		if tr != nil && tr.State == StateIdle && r.state == recRecording {
			r.state = recFinalizing
			r.idleSince = tr.At
		}

	case recFinalizing:
		if tr != nil && tr.State == StateActive {
			// Brief flicker that survived detector hysteresis: treat the
			// gap as part of the same episode rather than fragmenting it.
			r.logger.Debug("Motion resumed during finalization, merging episodes",
				"path", r.finalPath,
				"frame_id", f.ID)
			r.state = recRecording
			r.writeFrame(f)
			return
		}
		r.writeFrame(f)
		if r.state == recFinalizing && f.Timestamp.Sub(r.idleSince) >= r.cfg.Trail {
			r.finalize()
		}
	}
}

// Flush finalizes any open segment and releases retained lead frames. It
// is called exactly once, when the classified stream has been drained.
func (r *SegmentRecorder) Flush() {
	if r.sink != nil {
		r.finalize()
	}
	r.lead.clear()
}

// openSegment starts a new segment file named from the episode start time
// and replays the retained lead footage into it. The file is written under
// a .part suffix until finalized.
func (r *SegmentRecorder) openSegment(start time.Time) {
	final := filepath.Join(r.cfg.Dir, start.Format(r.cfg.Format)+segmentExt)
	part := final + ".part"

	sink, err := r.newSink(part, r.fps, r.width, r.height)
	if err != nil {
		r.logger.Error("Failed to open segment file, skipping episode",
			"path", part,
			"error", err)
		r.lead.clear()
		return
	}

	r.sink = sink
	r.partPath = part
	r.finalPath = final
	r.frames = 0
	r.state = recRecording

	leadFrames := r.lead.drain()
	r.logger.Info("Segment started",
		"path", final,
		"start", start.Format(time.RFC3339),
		"lead_frames", len(leadFrames))

	for _, lf := range leadFrames {
		r.writeFrame(lf)
	}
}

// writeFrame appends one frame to the open segment and closes its Mat. A
// write error is fatal to the current segment only: the file is closed and
// the recorder returns to idle while the pipeline continues.
func (r *SegmentRecorder) writeFrame(f Frame) {
	if r.sink == nil {
		f.Image.Close()
		return
	}

	err := r.sink.Write(f)
	f.Image.Close()
	if err != nil {
		r.logger.Error("Segment write failed, aborting current segment",
			"path", r.finalPath,
			"frames_written", r.frames,
			"error", err)
		r.finalize()
		return
	}
	r.frames++
}

// finalize closes the open sink and renames the .part file into place.
func (r *SegmentRecorder) finalize() {
	if err := r.sink.Close(); err != nil {
		r.logger.Warn("Failed to close segment sink", "path", r.partPath, "error", err)
	}
	if err := os.Rename(r.partPath, r.finalPath); err != nil {
		r.logger.Warn("Failed to rename finished segment", "path", r.partPath, "error", err)
	}

	r.logger.Info("Segment finalized",
		"path", r.finalPath,
		"frames", r.frames)

	r.metrics.segmentsWritten.Add(1)
	r.sink = nil
	r.partPath = ""
	r.finalPath = ""
	r.frames = 0
	r.state = recIdle
}

// segmentExt and segmentCodec select the container written by the encoding
// backend. Motion JPEG in an AVI container keeps the writer dependency-free
// beyond OpenCV itself.
const (
	segmentExt   = ".avi"
	segmentCodec = "MJPG"
)

// videoSink writes frames through an OpenCV video writer, optionally
// drawing the capture timestamp onto each frame before encoding.
type videoSink struct {
	writer  *gocv.VideoWriter
	overlay bool
	border  int
}

// newVideoSinkFactory returns the production sink factory for the given
// configuration.
func newVideoSinkFactory(cfg *Config) sinkFactory {
	return func(path string, fps float64, width, height int) (segmentSink, error) {
		writer, err := gocv.VideoWriterFile(path, segmentCodec, fps, width, height, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open video writer: %w", err)
		}
		if !writer.IsOpened() {
			writer.Close()
			return nil, fmt.Errorf("video writer is not opened")
		}
		return &videoSink{
			writer:  writer,
			overlay: cfg.Overlay,
			border:  cfg.OverlayBorder,
		}, nil
	}
}

func (s *videoSink) Write(f Frame) error {
	if s.overlay {
		drawOverlay(&f.Image, f.Timestamp, f.Height, s.border)
	}
	return s.writer.Write(f.Image)
}

func (s *videoSink) Close() error {
	return s.writer.Close()
}

// drawOverlay stamps the frame timestamp in the bottom-left corner, drawn
// twice so the white text keeps a dark border against any background.
func drawOverlay(img *gocv.Mat, ts time.Time, height, border int) {
	text := ts.Format("2006-01-02 15:04:05")
	org := image.Pt(10, height-10)
	gocv.PutText(img, text, org, gocv.FontHersheySimplex, 0.8, color.RGBA{0, 0, 0, 0}, 2+border)
	gocv.PutText(img, text, org, gocv.FontHersheySimplex, 0.8, color.RGBA{255, 255, 255, 0}, 2)
}
