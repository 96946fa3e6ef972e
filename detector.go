package main

import (
	"image"
	"log/slog"
	"time"

	"gocv.io/x/gocv"
)

// MotionState classifies the stream as idle or motion-present.
type MotionState int32

const (
	// StateIdle indicates no sustained motion in the stream.
	StateIdle MotionState = iota
	// StateActive indicates a motion episode is in progress.
	StateActive
)

// String returns a string representation of the MotionState.
func (s MotionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Transition marks the frame on which the motion state changed. Emitted
// transitions strictly alternate between active and idle.
type Transition struct {
	State   MotionState
	At      time.Time
	FrameID int64
	Score   float64
}

// frameScorer computes a scalar motion score from consecutive frames.
// Score returns false until enough frames have been seen to compare; the
// scoring function itself is total and has no error channel.
type frameScorer interface {
	Score(f Frame) (float64, bool)
	Close() error
}

// MotionDetector consumes the frame stream and emits debounced motion
// state transitions. Hysteresis: entering the active state requires
// FramesOn consecutive scores at or above ThresholdHigh; returning to idle
// requires FramesOff consecutive scores below ThresholdLow. The distinct
// high/low thresholds suppress flicker at the boundary.
type MotionDetector struct {
	cfg    *Config
	logger *slog.Logger
	scorer frameScorer

	state          MotionState
	lastTransition time.Time
	streak         int
}

// NewMotionDetector creates a detector in the idle state.
func NewMotionDetector(cfg *Config, logger *slog.Logger, scorer frameScorer) *MotionDetector {
	return &MotionDetector{
		cfg:    cfg,
		logger: logger,
		scorer: scorer,
		state:  StateIdle,
	}
}

// State returns the current motion state.
func (d *MotionDetector) State() MotionState { return d.state }

// Observe scores the incoming frame and returns a transition on the frame
// where hysteresis is satisfied, nil otherwise. Two identical consecutive
// states are never emitted: a transition only ever flips the state.
func (d *MotionDetector) Observe(f Frame) *Transition {
	score, ok := d.scorer.Score(f)
	if !ok {
		return nil
	}

	switch d.state {
	case StateIdle:
		if score >= d.cfg.ThresholdHigh {
			d.streak++
		} else {
			d.streak = 0
		}
		if d.streak >= d.cfg.FramesOn {
			return d.transition(StateActive, f, score)
		}
	case StateActive:
		if score < d.cfg.ThresholdLow {
			d.streak++
		} else {
			d.streak = 0
		}
		if d.streak >= d.cfg.FramesOff {
			return d.transition(StateIdle, f, score)
		}
	}

	return nil
}

func (d *MotionDetector) transition(to MotionState, f Frame, score float64) *Transition {
	d.state = to
	d.streak = 0
	d.lastTransition = f.Timestamp

	d.logger.Debug("Motion state transition",
		"state", to,
		"frame_id", f.ID,
		"score", score)

	return &Transition{
		State:   to,
		At:      f.Timestamp,
		FrameID: f.ID,
		Score:   score,
	}
}

// diffScorer computes the motion score as the ratio of changed pixels
// between the blurred grayscale renditions of consecutive frames. All
// intermediate Mats are reused across calls to avoid per-frame allocation.
type diffScorer struct {
	prev    gocv.Mat
	gray    gocv.Mat
	blurred gocv.Mat
	delta   gocv.Mat
	thresh  gocv.Mat
	hasPrev bool
}

// pixelDeltaThreshold is the per-pixel intensity difference above which a
// pixel counts as changed.
const pixelDeltaThreshold = 25

func newDiffScorer() *diffScorer {
	return &diffScorer{
		prev:    gocv.NewMat(),
		gray:    gocv.NewMat(),
		blurred: gocv.NewMat(),
		delta:   gocv.NewMat(),
		thresh:  gocv.NewMat(),
	}
}

// Score returns the fraction of pixels in [0,1] that changed since the
// previous frame. The first frame establishes the baseline and reports no
// score.
func (s *diffScorer) Score(f Frame) (float64, bool) {
	gocv.CvtColor(f.Image, &s.gray, gocv.ColorBGRToGray)
	gocv.GaussianBlur(s.gray, &s.blurred, image.Pt(21, 21), 0, 0, gocv.BorderDefault)

	if !s.hasPrev {
		s.blurred.CopyTo(&s.prev)
		s.hasPrev = true
		return 0, false
	}

	gocv.AbsDiff(s.prev, s.blurred, &s.delta)
	gocv.Threshold(s.delta, &s.thresh, pixelDeltaThreshold, 255, gocv.ThresholdBinary)
	changed := gocv.CountNonZero(s.thresh)
	s.blurred.CopyTo(&s.prev)

	total := s.thresh.Rows() * s.thresh.Cols()
	if total == 0 {
		return 0, false
	}
	return float64(changed) / float64(total), true
}

func (s *diffScorer) Close() error {
	s.prev.Close()
	s.gray.Close()
	s.blurred.Close()
	s.delta.Close()
	s.thresh.Close()
	return nil
}
