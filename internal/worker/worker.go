package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/utils"
)

var (
	// ErrWorkerExited means the Python process is gone or its pipes broke.
	ErrWorkerExited = errors.New("segmentation worker exited")
	// ErrWorkerTimeout means a reply did not arrive within the read timeout.
	// The protocol stream can no longer be trusted after one.
	ErrWorkerTimeout = errors.New("segmentation worker timed out")
)

// IsFatal reports whether err leaves the worker unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrWorkerExited) || errors.Is(err, ErrWorkerTimeout)
}

// StartError is a worker that died or failed while loading its model. Logs
// holds whatever the process wrote to stderr.
type StartError struct {
	Err  error
	Logs string
}

func (e *StartError) Error() string {
	return e.Err.Error()
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Segmenter classifies every pixel of a frame as person or background.
type Segmenter interface {
	SegmentPerson(ctx context.Context, f *frame.Frame) (*frame.Mask, error)
}

// Config controls how the Python segmentation worker is started.
type Config struct {
	Python      string
	Script      string
	Model       string
	Threshold   float64
	ReadTimeout time.Duration
	LoadTimeout time.Duration
	Logger      *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "python/segment_worker.py"
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.7
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// PythonWorker talks to a segmentation model living in a child process.
// Requests go over stdin, replies come back on FD 3 so that library noise
// on stdout cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Model    string

	readTimeout time.Duration
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewPythonWorker starts the worker process and waits until its model is
// loaded.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	cfg.setDefaults()

	args := []string{"-u", cfg.Script, "--threshold", strconv.FormatFloat(cfg.Threshold, 'f', -1, 64)}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	py := utils.NewSafeCommandContext(ctx, cfg.Python, args...)

	// Side-channel pipe, seen by the child as FD 3
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child keeps the write end
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger.With(zap.Int("worker", id)),
	}

	if err := pw.Load(cfg.LoadTimeout); err != nil {
		// Close reaps the process, so its stderr is complete afterwards
		pw.Close()
		return nil, &StartError{Err: err, Logs: py.Logs()}
	}
	return pw, nil
}

// Load waits for the ready message the worker sends once its model is in
// memory.
func (w *PythonWorker) Load(timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	resp, err := w.readReply(timeout)
	if err != nil {
		return fmt.Errorf("model load failed: %w", err)
	}
	model, err := decodeReady(resp)
	if err != nil {
		return fmt.Errorf("model load failed: %w", err)
	}
	w.Model = model
	w.logger.Info("segmentation model loaded", zap.String("model", model))
	return nil
}

// SegmentPerson sends one frame and waits for its mask. A request that has
// already been sent is allowed to finish even if ctx is cancelled meanwhile.
func (w *PythonWorker) SegmentPerson(ctx context.Context, f *frame.Frame) (*frame.Mask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	resp, err := w.Communicate(encodeRequest(f))
	if err != nil {
		return nil, err
	}
	mask, err := decodeMask(resp)
	if err != nil {
		return nil, err
	}
	if !mask.Matches(f) {
		return nil, fmt.Errorf("%w: frame %dx%d, mask %dx%d", frame.ErrDimensionMismatch, f.Width, f.Height, mask.Width, mask.Height)
	}
	return mask, nil
}

// Communicate performs one [Length][Data] round trip.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, pipeError(err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, pipeError(err)
	}
	return w.readReply(w.readTimeout)
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

func (w *PythonWorker) readReply(timeout time.Duration) ([]byte, error) {
	if d, ok := w.DataPipe.(deadliner); ok && timeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(timeout))
		defer func() {
			_ = d.SetReadDeadline(time.Time{})
		}()
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// A missing module or a crash in the model lands here
		return nil, pipeError(err)
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, pipeError(err)
	}
	return respBody, nil
}

func pipeError(err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrWorkerTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %v", ErrWorkerExited, err)
	default:
		return err
	}
}

// Close shuts the pipes and reaps the process.
func (w *PythonWorker) Close() error {
	var err error
	if w.Stdin != nil {
		err = multierr.Append(err, w.Stdin.Close())
	}
	if w.DataPipe != nil {
		err = multierr.Append(err, w.DataPipe.Close())
	}
	if w.Cmd != nil {
		// The exit status after a closed stdin is not interesting
		_ = w.Cmd.Wait()
	}
	return err
}
