// Package recorder captures the canvas surface into an in-memory video.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/surface"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// State of the controller.
type State string

const (
	Idle   State = "idle"
	Active State = "active"
)

// Encoder turns frames into encoded chunks. Chunks are reported through the
// callback given to the factory; once Close returns every chunk has been
// reported.
type Encoder interface {
	Encode(f *frame.Frame) error
	Close() error
}

// EncoderFactory starts an encoder for frames of the given size.
type EncoderFactory func(ctx context.Context, width, height int, fps float64, onChunk func([]byte)) (Encoder, error)

// Recording is a sealed, playable asset.
type Recording struct {
	ID        string    `json:"id"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"-"`
	Chunks    int       `json:"chunks"`
	Frames    int64     `json:"frames"`
	Dropped   int64     `json:"dropped"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
}

func (r *Recording) Size() int {
	return len(r.Data)
}

func (r *Recording) Duration() time.Duration {
	return r.StoppedAt.Sub(r.StartedAt)
}

type Config struct {
	Width   int
	Height  int
	// FPS is the output rate. The canvas is sampled at it.
	FPS     float64
	Factory EncoderFactory
	// OnSealed runs after every successful Stop.
	OnSealed func(*Recording)
	Logger   *zap.Logger
}

// Controller is the Idle/Active state machine around one encoder at a time.
type Controller struct {
	surface *surface.Surface
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	active *session
	latest *Recording
}

type session struct {
	id      string
	started time.Time
	enc     Encoder
	sub     *surface.Subscription
	fed     chan struct{}
	cancel  context.CancelFunc

	mu        sync.Mutex
	chunks    [][]byte
	frames    atomic.Int64
	encodeErr error
}

func (s *session) appendChunk(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, b)
}

func NewController(s *surface.Surface, cfg Config) *Controller {
	if cfg.Factory == nil {
		cfg.Factory = NewWebMEncoder
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{surface: s, cfg: cfg, logger: cfg.Logger}
}

// State reports Idle or Active.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return Active
	}
	return Idle
}

// Start subscribes to the surface and begins encoding. It returns the id the
// recording will carry.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return "", ErrAlreadyRecording
	}

	encCtx, cancel := context.WithCancel(ctx)
	s := &session{
		id:      ksuid.New().String(),
		started: time.Now(),
		fed:     make(chan struct{}),
		cancel:  cancel,
	}
	enc, err := c.cfg.Factory(encCtx, c.cfg.Width, c.cfg.Height, c.cfg.FPS, s.appendChunk)
	if err != nil {
		cancel()
		return "", fmt.Errorf("failed to start encoder: %w", err)
	}
	s.enc = enc
	s.sub = c.surface.CaptureStream()

	// The canvas may be idle right now; its last frame still opens the recording
	go c.feed(s, c.surface.Latest())

	c.active = s
	c.logger.Info("recording started", zap.String("id", s.id))
	return s.id, nil
}

// feed encodes the newest surface frame once per tick of cfg.FPS until the
// subscription closes. The surface is filled at the pipeline's pass rate,
// so frames are repeated or skipped to keep the output constant-rate.
func (c *Controller) feed(s *session, latest *frame.Frame) {
	defer close(s.fed)

	ticker := time.NewTicker(c.frameInterval())
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-s.sub.C:
			if !ok {
				return
			}
			latest = f
		case <-ticker.C:
			if latest == nil || s.encodeErr != nil {
				continue
			}
			if err := s.enc.Encode(latest); err != nil {
				s.encodeErr = err
				c.logger.Error("encoder rejected frame", zap.String("id", s.id), zap.Error(err))
				continue
			}
			s.frames.Inc()
		}
	}
}

func (c *Controller) frameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.cfg.FPS)
}

// Stop flushes the encoder and seals its chunks into the latest recording.
func (c *Controller) Stop() (*Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.active
	if s == nil {
		return nil, ErrNotRecording
	}
	c.active = nil

	s.sub.Close()
	<-s.fed
	err := multierr.Append(s.encodeErr, s.enc.Close())
	s.cancel()
	if err != nil {
		return nil, fmt.Errorf("recording %s failed: %w", s.id, err)
	}

	rec := s.seal(time.Now())
	rec.Dropped = s.sub.Dropped()
	c.latest = rec
	c.logger.Info("recording stopped",
		zap.String("id", rec.ID),
		zap.Int("bytes", rec.Size()),
		zap.Int("chunks", rec.Chunks),
		zap.Int64("frames", rec.Frames),
		zap.Int64("dropped", rec.Dropped))

	if c.cfg.OnSealed != nil {
		c.cfg.OnSealed(rec)
	}
	return rec, nil
}

func (s *session) seal(stopped time.Time) *Recording {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := 0
	for _, b := range s.chunks {
		size += len(b)
	}
	data := make([]byte, 0, size)
	for _, b := range s.chunks {
		data = append(data, b...)
	}
	return &Recording{
		ID:        s.id,
		MimeType:  MimeWebM,
		Data:      data,
		Chunks:    len(s.chunks),
		Frames:    s.frames.Load(),
		StartedAt: s.started,
		StoppedAt: stopped,
	}
}

// Latest is the last sealed recording, or nil.
func (c *Controller) Latest() *Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Lookup finds a recording by id. Only the latest one is kept.
func (c *Controller) Lookup(id string) (*Recording, bool) {
	rec := c.Latest()
	if rec == nil || rec.ID != id {
		return nil, false
	}
	return rec, true
}

// Close stops an active recording, if any.
func (c *Controller) Close() error {
	if _, err := c.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	return nil
}
