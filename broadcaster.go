package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// subscriber is one connected live-stream viewer. Its latest cell holds at
// most one frame: when a new frame arrives before the viewer consumed the
// previous one, the stale frame is replaced. The viewer therefore always
// encodes the most recent frame it has capacity for.
type subscriber struct {
	id     string
	latest chan Frame
}

// FrameBroadcaster serves the most recent frame to any number of network
// subscribers. Publishing never blocks on a slow subscriber: frame loss
// for lagging viewers is acceptable, a pipeline stall is not.
type FrameBroadcaster struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *pipelineMetrics

	mu   sync.RWMutex
	subs map[string]*subscriber

	// clone and encode are seams for tests; production uses Mat.Clone and
	// OpenCV image encoding.
	clone  func(Frame) Frame
	encode func(Frame) ([]byte, error)

	srv  *http.Server
	done chan struct{}
}

// NewFrameBroadcaster creates a broadcaster with no subscribers.
func NewFrameBroadcaster(cfg *Config, logger *slog.Logger, metrics *pipelineMetrics) *FrameBroadcaster {
	b := &FrameBroadcaster{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string]*subscriber),
		done:    make(chan struct{}),
	}
	b.clone = func(f Frame) Frame {
		f.Image = f.Image.Clone()
		return f
	}
	b.encode = b.encodeFrame
	return b
}

// Publish offers the frame to every subscriber without ever blocking. Each
// subscriber receives its own clone; with no subscribers connected the
// frame is not cloned at all. Stale frames displaced from a subscriber's
// cell are closed here.
func (b *FrameBroadcaster) Publish(f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		b.offer(sub, b.clone(f))
	}
}

// offer places the frame in the subscriber's single-slot cell, displacing
// a stale frame if the subscriber has not consumed it yet.
func (b *FrameBroadcaster) offer(sub *subscriber, f Frame) {
	for {
		select {
		case sub.latest <- f:
			return
		default:
		}
		select {
		case stale := <-sub.latest:
			stale.Image.Close()
			b.metrics.streamDropped.Add(1)
		default:
		}
	}
}

// SubscriberCount returns the number of connected viewers.
func (b *FrameBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *FrameBroadcaster) subscribe() *subscriber {
	sub := &subscriber{
		id:     uuid.NewString(),
		latest: make(chan Frame, 1),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.metrics.subscribers.Add(1)
	b.logger.Info("Stream subscriber connected", "subscriber_id", sub.id)
	return sub
}

func (b *FrameBroadcaster) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	// Release any frame still parked in the cell.
	select {
	case stale := <-sub.latest:
		stale.Image.Close()
	default:
	}

	b.metrics.subscribers.Add(-1)
	b.logger.Info("Stream subscriber disconnected", "subscriber_id", id)
}

// router builds the HTTP surface: the live stream plus health and status.
func (b *FrameBroadcaster) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/stream", b.handleStream)
	router.GET("/healthz", b.handleHealth)
	router.GET("/status", b.handleStatus)
	return router
}

// Start binds the HTTP listener and begins accepting subscribers.
func (b *FrameBroadcaster) Start() {
	b.srv = &http.Server{
		Addr:    b.cfg.ListenAddr,
		Handler: b.router(),
	}

	go func() {
		b.logger.Info("Live stream listening", "addr", b.cfg.ListenAddr)
		if err := b.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("Live stream server failed", "error", err)
		}
	}()
}

// Stop closes all subscriber connections and shuts the listener down.
// Safe to call when Start was never called.
func (b *FrameBroadcaster) Stop(ctx context.Context) {
	close(b.done)
	if b.srv == nil {
		return
	}
	if err := b.srv.Shutdown(ctx); err != nil {
		b.logger.Warn("Forcing live stream server close", "error", err)
		b.srv.Close()
	}
}

// handleStream serves a long-lived multipart response, encoding the
// subscriber's latest frame at whatever pace the connection sustains.
func (b *FrameBroadcaster) handleStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	sub := b.subscribe()
	defer b.unsubscribe(sub.id)

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	contentType := b.streamContentType()
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-b.done:
			return
		case f := <-sub.latest:
			data, err := b.encode(f)
			f.Image.Close()
			if err != nil {
				b.logger.Warn("Failed to encode stream frame",
					"subscriber_id", sub.id,
					"error", err)
				return
			}

			header := fmt.Sprintf("--frame\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentType, len(data))
			if _, err := c.Writer.WriteString(header); err != nil {
				return
			}
			if _, err := c.Writer.Write(data); err != nil {
				return
			}
			if _, err := c.Writer.WriteString("\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleHealth implements the health check endpoint.
func (b *FrameBroadcaster) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

// handleStatus reports pipeline state and counters.
func (b *FrameBroadcaster) handleStatus(c *gin.Context) {
	state := StateIdle
	if b.metrics.motionActive.Load() {
		state = StateActive
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "running",
		"uptime_seconds":   int64(time.Since(b.metrics.started).Seconds()),
		"motion_state":     state.String(),
		"frames_captured":  b.metrics.framesCaptured.Load(),
		"segments_written": b.metrics.segmentsWritten.Load(),
		"alerts_sent":      b.metrics.alertsSent.Load(),
		"stream_dropped":   b.metrics.streamDropped.Load(),
		"subscribers":      b.metrics.subscribers.Load(),
		"timestamp":        time.Now(),
	})
}

// encodeFrame encodes one frame in the configured stream image format.
func (b *FrameBroadcaster) encodeFrame(f Frame) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.FileExt(b.cfg.StreamFormat), f.Image)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	// The native buffer is backed by C memory; copy before releasing it.
	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

func (b *FrameBroadcaster) streamContentType() string {
	if b.cfg.StreamFormat == ".png" {
		return "image/png"
	}
	return "image/jpeg"
}
