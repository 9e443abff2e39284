// Package camera acquires frames from a capture device or a video file
// through ffmpeg.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/utils"
)

// Input formats understood by Acquire.
const (
	FormatV4L2         = "v4l2"
	FormatAVFoundation = "avfoundation"
	FormatDShow        = "dshow"
	FormatFile         = "file"
)

const (
	DefaultWidth  = 640
	DefaultHeight = 480
	DefaultFPS    = 30
)

// ErrStreamEnded is returned by Latest once the capture process is gone.
var ErrStreamEnded = errors.New("camera stream ended")

// Constraints describe the requested source.
type Constraints struct {
	Device string
	Format string
	Width  int
	Height int
	FPS    float64
	// Loop restarts a file source at EOF.
	Loop   bool
	Logger *zap.Logger
}

func (c *Constraints) setDefaults() {
	if c.Format == "" {
		switch runtime.GOOS {
		case "darwin":
			c.Format = FormatAVFoundation
		case "windows":
			c.Format = FormatDShow
		default:
			c.Format = FormatV4L2
		}
	}
	if c.Device == "" {
		switch c.Format {
		case FormatV4L2:
			c.Device = "/dev/video0"
		case FormatAVFoundation:
			c.Device = "0"
		}
	}
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate reports constraints that cannot describe a source.
func (c *Constraints) Validate() error {
	switch c.Format {
	case FormatV4L2, FormatAVFoundation, FormatDShow, FormatFile:
	default:
		return fmt.Errorf("unknown input format %q", c.Format)
	}
	if c.Device == "" {
		return fmt.Errorf("a device is required for %s", c.Format)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("dimensions must be even, got %dx%d", c.Width, c.Height)
	}
	return nil
}

// input returns the ffmpeg input and its demuxer arguments.
func (c *Constraints) input() (string, ffmpeg.KwArgs) {
	size := fmt.Sprintf("%dx%d", c.Width, c.Height)
	switch c.Format {
	case FormatFile:
		// -re paces a file at its native rate, like a live camera
		args := ffmpeg.KwArgs{"re": ""}
		if c.Loop {
			args["stream_loop"] = -1
		}
		return c.Device, args
	case FormatDShow:
		device := c.Device
		if !strings.HasPrefix(device, "video=") {
			device = "video=" + device
		}
		return device, ffmpeg.KwArgs{"f": FormatDShow, "framerate": c.FPS, "video_size": size}
	default:
		return c.Device, ffmpeg.KwArgs{"f": c.Format, "framerate": c.FPS, "video_size": size}
	}
}

// Stream is a running capture. A reader goroutine keeps only the most
// recent frame.
type Stream struct {
	Width  int
	Height int
	// Source names the capture as format:device.
	Source string

	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	src    io.ReadCloser
	logger *zap.Logger

	mu     sync.Mutex
	latest *frame.Frame
	endErr error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	frames    atomic.Int64
}

// Acquire starts capturing. It fails fast when ffmpeg is missing or a
// device path does not exist; otherwise frames arrive asynchronously and
// Latest waits for the first one.
func Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if c.Format == FormatV4L2 || c.Format == FormatFile {
		if _, err := os.Stat(c.Device); err != nil {
			return nil, fmt.Errorf("camera device unavailable: %w", err)
		}
	}

	capCtx, cancel := context.WithCancel(ctx)
	input, args := c.input()
	cmd := utils.NewRawDecoder(capCtx, input, args, c.Width, c.Height)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg capture: %w", err)
	}

	c.Logger.Info("camera capture started",
		zap.String("device", c.Device),
		zap.String("format", c.Format),
		zap.Int("width", c.Width),
		zap.Int("height", c.Height),
		zap.Float64("fps", c.FPS))

	s := newStream(stdout, c.Width, c.Height, c.Logger)
	s.Source = c.Format + ":" + c.Device
	s.cmd = cmd
	s.cancel = cancel
	return s, nil
}

func newStream(src io.ReadCloser, width, height int, logger *zap.Logger) *Stream {
	s := &Stream{
		Width:  width,
		Height: height,
		src:    src,
		logger: logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.done)

	size := s.Width * s.Height * frame.BytesPerPixel
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(s.src, buf); err != nil {
			s.mu.Lock()
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				s.endErr = ErrStreamEnded
			} else {
				s.endErr = fmt.Errorf("%w: %v", ErrStreamEnded, err)
			}
			s.mu.Unlock()
			s.logger.Debug("camera reader stopped", zap.Error(err), zap.Int64("frames", s.frames.Load()))
			return
		}

		f, err := frame.FromRGBA(buf, s.Width, s.Height)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.latest = f
		s.mu.Unlock()
		s.frames.Inc()
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

// Latest returns the most recent frame, waiting for the first one if the
// camera has not produced anything yet.
func (s *Stream) Latest(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-s.ready:
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endErr != nil {
		return nil, s.endErr
	}
	return s.latest, nil
}

// Frames counts the frames read so far.
func (s *Stream) Frames() int64 {
	return s.frames.Load()
}

// Done is closed when the reader goroutine exits.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close stops the capture process and waits for the reader.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err = multierr.Append(err, ignoreClosed(s.src.Close()))
		<-s.done
		if s.cmd != nil {
			// Killed by our own cancel; the exit status says nothing
			_ = s.cmd.Wait()
		}
	})
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
