// Package pipeline runs the segment → effect → surface loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andresmejia3/backdrop/internal/camera"
	"github.com/andresmejia3/backdrop/internal/effect"
	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/worker"
)

// DefaultInterval is one display refresh at 60 Hz.
const DefaultInterval = time.Second / 60

var (
	// ErrTooManyFailures ends Run after MaxConsecutiveFailures failed passes.
	ErrTooManyFailures = errors.New("too many consecutive pipeline failures")
	// ErrUnknownMode is returned when selecting an effect that was not registered.
	ErrUnknownMode = errors.New("unknown effect mode")
)

// Source yields the most recent camera frame.
type Source interface {
	Latest(ctx context.Context) (*frame.Frame, error)
}

// Sink receives composited frames.
type Sink interface {
	Put(f *frame.Frame)
}

// Config tunes the loop.
type Config struct {
	Interval time.Duration
	// MaxConsecutiveFailures of 0 retries forever.
	MaxConsecutiveFailures int
	// Mode is the initial effect. Defaults to the first registered one.
	Mode   string
	Logger *zap.Logger
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Mode                string        `json:"mode"`
	Frames              int64         `json:"frames"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	LastPass            time.Duration `json:"last_pass_ns"`
	// Coverage is the person share of the last mask, 0..1.
	Coverage            float64       `json:"coverage"`
}

// Pipeline owns everything one pass needs. Passes never overlap, so at most
// one segmentation request is outstanding.
type Pipeline struct {
	source    Source
	segmenter worker.Segmenter
	sink      Sink
	effects   map[string]effect.Effect
	order     []string

	interval    time.Duration
	maxFailures int64
	logger      *zap.Logger

	mu   sync.RWMutex
	mode string

	frames      atomic.Int64
	failures    atomic.Int64
	consecutive atomic.Int64
	lastPass    atomic.Duration
	lastMask    atomic.Pointer[frame.Mask]
}

// New wires a pipeline. Effects are selectable by their Name and toggled in
// the order given.
func New(source Source, segmenter worker.Segmenter, sink Sink, effects []effect.Effect, cfg Config) (*Pipeline, error) {
	if len(effects) == 0 {
		return nil, fmt.Errorf("at least one effect is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pipeline{
		source:      source,
		segmenter:   segmenter,
		sink:        sink,
		effects:     make(map[string]effect.Effect, len(effects)),
		interval:    cfg.Interval,
		maxFailures: int64(cfg.MaxConsecutiveFailures),
		logger:      cfg.Logger,
	}
	for _, e := range effects {
		if _, dup := p.effects[e.Name()]; dup {
			return nil, fmt.Errorf("effect %q registered twice", e.Name())
		}
		p.effects[e.Name()] = e
		p.order = append(p.order, e.Name())
	}

	p.mode = p.order[0]
	if cfg.Mode != "" {
		if err := p.SetMode(cfg.Mode); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Run repeats passes until ctx is cancelled. Cancellation is a normal stop
// and returns nil. A dead worker or camera ends the loop at once.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("pipeline started", zap.String("mode", p.Mode()), zap.Duration("interval", p.interval))
	defer func() {
		p.logger.Info("pipeline stopped", zap.Int64("frames", p.frames.Load()), zap.Int64("failures", p.failures.Load()))
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := p.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				return err
			}

			p.failures.Inc()
			n := p.consecutive.Inc()
			p.logger.Warn("pass failed", zap.Error(err), zap.Int64("consecutive", n))
			if p.maxFailures > 0 && n >= p.maxFailures {
				return fmt.Errorf("%w (%d): %v", ErrTooManyFailures, n, err)
			}
		} else {
			p.consecutive.Store(0)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func isFatal(err error) bool {
	return worker.IsFatal(err) || errors.Is(err, camera.ErrStreamEnded)
}

// pass runs one frame through segmentation and the current effect.
func (p *Pipeline) pass(ctx context.Context) error {
	start := time.Now()

	live, err := p.source.Latest(ctx)
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	mask, err := p.segmenter.SegmentPerson(ctx, live)
	if err != nil {
		return fmt.Errorf("segmentation: %w", err)
	}
	// A result that arrives after cancellation is discarded
	if err := ctx.Err(); err != nil {
		return err
	}

	eff := p.current()
	out, err := eff.Apply(live, mask)
	if err != nil {
		return fmt.Errorf("%s effect: %w", eff.Name(), err)
	}

	p.sink.Put(out)
	p.lastMask.Store(mask)
	p.frames.Inc()
	p.lastPass.Store(time.Since(start))
	return nil
}

func (p *Pipeline) current() effect.Effect {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.effects[p.mode]
}

// Mode returns the name of the active effect.
func (p *Pipeline) Mode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// Modes lists the registered effects in toggle order.
func (p *Pipeline) Modes() []string {
	return append([]string(nil), p.order...)
}

// SetMode selects an effect for the next pass.
func (p *Pipeline) SetMode(name string) error {
	if _, ok := p.effects[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
	p.mu.Lock()
	prev := p.mode
	p.mode = name
	p.mu.Unlock()

	if prev != name {
		p.logger.Info("effect switched", zap.String("from", prev), zap.String("to", name))
	}
	return nil
}

// Toggle advances to the next effect and returns its name.
func (p *Pipeline) Toggle() string {
	p.mu.Lock()
	prev := p.mode
	for i, name := range p.order {
		if name == p.mode {
			p.mode = p.order[(i+1)%len(p.order)]
			break
		}
	}
	next := p.mode
	p.mu.Unlock()

	p.logger.Info("effect switched", zap.String("from", prev), zap.String("to", next))
	return next
}

// LatestMask is the mask of the last completed pass, or nil.
func (p *Pipeline) LatestMask() *frame.Mask {
	return p.lastMask.Load()
}

func (p *Pipeline) Stats() Stats {
	var coverage float64
	if m := p.lastMask.Load(); m != nil {
		coverage = m.Coverage()
	}
	return Stats{
		Mode:                p.Mode(),
		Frames:              p.frames.Load(),
		Failures:            p.failures.Load(),
		ConsecutiveFailures: p.consecutive.Load(),
		LastPass:            p.lastPass.Load(),
		Coverage:            coverage,
	}
}
