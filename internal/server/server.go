// Package server exposes the preview, effect toggle and recorder over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/pipeline"
	"github.com/andresmejia3/backdrop/internal/recorder"
	"github.com/andresmejia3/backdrop/internal/surface"
)

const mjpegBoundary = "frame"

// Effects is the part of the pipeline the UI controls.
type Effects interface {
	Mode() string
	Modes() []string
	SetMode(name string) error
	Toggle() string
	Stats() pipeline.Stats
	LatestMask() *frame.Mask
}

// Recorder is the recording controller as seen by the UI.
type Recorder interface {
	State() recorder.State
	Start(ctx context.Context) (string, error)
	Stop() (*recorder.Recording, error)
	Latest() *recorder.Recording
	Lookup(id string) (*recorder.Recording, bool)
}

// Camera yields the unprocessed capture.
type Camera interface {
	Latest(ctx context.Context) (*frame.Frame, error)
}

type Config struct {
	JPEGQuality     int
	ShutdownTimeout time.Duration
	// Camera backs /camera.jpg. Nil disables the raw preview.
	Camera          Camera
	// CameraTimeout bounds the wait for a capture frame. Defaults to 2s.
	CameraTimeout   time.Duration
	Logger          *zap.Logger
}

type Server struct {
	effects Effects
	rec     Recorder
	canvas  *surface.Surface
	cfg     Config
	logger  *zap.Logger
	engine  *gin.Engine
	started time.Time

	// base outlives single requests; recordings are bound to it
	base      context.Context
	closing   chan struct{}
	closeOnce sync.Once
}

func New(effects Effects, rec Recorder, canvas *surface.Surface, cfg Config) *Server {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.CameraTimeout <= 0 {
		cfg.CameraTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		effects: effects,
		rec:     rec,
		canvas:  canvas,
		cfg:     cfg,
		logger:  cfg.Logger,
		started: time.Now(),
		base:    context.Background(),
		closing: make(chan struct{}),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/", s.handleIndex)
	r.GET("/healthz", s.handleHealth)
	r.GET("/preview.jpg", s.handlePreview)
	r.GET("/preview.mjpg", s.handleMJPEG)
	r.GET("/camera.jpg", s.handleCamera)
	r.GET("/mask.png", s.handleMask)
	r.GET("/recordings/:id", s.handleRecording)

	api := r.Group("/api")
	api.GET("/state", s.handleState)
	api.POST("/effect/toggle", s.handleToggle)
	api.PUT("/effect", s.handleSetEffect)
	api.POST("/recording/start", s.handleStartRecording)
	api.POST("/recording/stop", s.handleStopRecording)
	return r
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	// Preview streams never end on their own
	s.closeOnce.Do(func() { close(s.closing) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

type stateResponse struct {
	Mode      string              `json:"mode"`
	Modes     []string            `json:"modes"`
	Recording recorder.State      `json:"recording"`
	Latest    *recorder.Recording `json:"latest_recording,omitempty"`
	Stats     pipeline.Stats      `json:"stats"`
	Canvas    int64               `json:"canvas_frames"`
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, stateResponse{
		Mode:      s.effects.Mode(),
		Modes:     s.effects.Modes(),
		Recording: s.rec.State(),
		Latest:    s.rec.Latest(),
		Stats:     s.effects.Stats(),
		Canvas:    s.canvas.Frames(),
	})
}

func (s *Server) handleToggle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.effects.Toggle()})
}

type setEffectRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleSetEffect(c *gin.Context) {
	var req setEffectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.effects.SetMode(req.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "modes": s.effects.Modes()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.effects.Mode()})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	id, err := s.rec.Start(s.base)
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("recording start failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": recorder.Active})
}

func (s *Server) handleStopRecording(c *gin.Context) {
	rec, err := s.rec.Stop()
	switch {
	case errors.Is(err, recorder.ErrNotRecording):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("recording stop failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        rec.ID,
		"url":       "/recordings/" + rec.ID,
		"mime_type": rec.MimeType,
		"size":      rec.Size(),
		"frames":    rec.Frames,
		"chunks":    rec.Chunks,
	})
}

func (s *Server) handleRecording(c *gin.Context) {
	rec, ok := s.rec.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return
	}
	c.Data(http.StatusOK, rec.MimeType, rec.Data)
}

func (s *Server) handlePreview(c *gin.Context) {
	f := s.canvas.Latest()
	if f == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame yet"})
		return
	}
	s.writeJPEG(c, f)
}

// handleCamera serves the capture before segmentation, for comparison with
// the canvas.
func (s *Server) handleCamera(c *gin.Context) {
	if s.cfg.Camera == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no camera attached"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CameraTimeout)
	defer cancel()
	f, err := s.cfg.Camera.Latest(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	s.writeJPEG(c, f)
}

func (s *Server) writeJPEG(c *gin.Context, f *frame.Frame) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, f.RGBA(), imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

// handleMask serves the last segmentation as an overlay.
func (s *Server) handleMask(c *gin.Context) {
	m := s.effects.LatestMask()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no mask yet"})
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, m.ToImage(), imaging.PNG); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// handleMJPEG streams the canvas as multipart JPEG until the client leaves
// or the server shuts down.
func (s *Server) handleMJPEG(c *gin.Context) {
	sub := s.canvas.CaptureStream()
	defer sub.Close()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	var buf bytes.Buffer
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-s.closing:
			return false
		case f, ok := <-sub.C:
			if !ok {
				return false
			}
			buf.Reset()
			if err := imaging.Encode(&buf, f.RGBA(), imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
				s.logger.Warn("mjpeg encode failed", zap.Error(err))
				return true
			}
			fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, buf.Len())
			if _, err := w.Write(buf.Bytes()); err != nil {
				return false
			}
			_, err := io.WriteString(w, "\r\n")
			return err == nil
		}
	})
}
