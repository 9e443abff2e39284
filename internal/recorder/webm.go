package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/multierr"

	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/utils"
)

const MimeWebM = "video/webm"

// chunkSize matches the read size of the stdout drain.
const chunkSize = 64 * 1024

// webmEncoder pipes raw RGBA into ffmpeg and reads WebM back from stdout.
type webmEncoder struct {
	width, height int

	cmd     *utils.SafeCommand
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	drained chan struct{}
	readErr error
}

// AudioInput is an ffmpeg capture device muxed into recordings,
// e.g. {"pulse", "default"} or {"avfoundation", ":0"}.
type AudioInput struct {
	Format string
	Device string
}

func (a *AudioInput) format() string {
	if a.Format != "" {
		return a.Format
	}
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "pulse"
	}
}

// NewWebMEncoder is the default EncoderFactory: VP8 in WebM, tuned for live input.
func NewWebMEncoder(ctx context.Context, width, height int, fps float64, onChunk func([]byte)) (Encoder, error) {
	return startWebM(ctx, width, height, fps, nil, onChunk)
}

// WebMEncoderFactory is NewWebMEncoder with an Opus track from audio.
// A nil audio records video only.
func WebMEncoderFactory(audio *AudioInput) EncoderFactory {
	return func(ctx context.Context, width, height int, fps float64, onChunk func([]byte)) (Encoder, error) {
		return startWebM(ctx, width, height, fps, audio, onChunk)
	}
}

func webmArgs(audio *AudioInput) (ffmpeg.KwArgs, []*ffmpeg.Stream) {
	args := ffmpeg.KwArgs{
		"f":        "webm",
		"c:v":      "libvpx",
		"b:v":      "1M",
		"pix_fmt":  "yuv420p",
		"deadline": "realtime",
		"cpu-used": 8,
	}
	if audio == nil || audio.Device == "" {
		return args, nil
	}
	args["c:a"] = "libopus"
	args["b:a"] = "64k"
	// A capture device never ends, so the video pipe decides when to stop
	args["shortest"] = ""
	in := ffmpeg.Input(audio.Device, ffmpeg.KwArgs{"f": audio.format()})
	return args, []*ffmpeg.Stream{in}
}

func startWebM(ctx context.Context, width, height int, fps float64, audio *AudioInput, onChunk func([]byte)) (Encoder, error) {
	args, extra := webmArgs(audio)
	cmd := utils.NewRawEncoder(ctx, "pipe:", width, height, fps, args, extra...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg encoder: %w", err)
	}

	e := &webmEncoder{
		width:   width,
		height:  height,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		drained: make(chan struct{}),
	}
	go e.drain(onChunk)
	return e, nil
}

func (e *webmEncoder) drain(onChunk func([]byte)) {
	defer close(e.drained)
	buf := make([]byte, chunkSize)
	for {
		n, err := e.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.readErr = err
			}
			return
		}
	}
}

func (e *webmEncoder) Encode(f *frame.Frame) error {
	if f.Width != e.width || f.Height != e.height {
		return fmt.Errorf("%w: encoder is %dx%d, frame is %dx%d", frame.ErrDimensionMismatch, e.width, e.height, f.Width, f.Height)
	}
	if _, err := e.stdin.Write(f.Pix); err != nil {
		return fmt.Errorf("ffmpeg encoder write failed: %w", err)
	}
	return nil
}

// Close ends the input, waits for ffmpeg to flush the trailing clusters and
// reaps the process.
func (e *webmEncoder) Close() error {
	err := e.stdin.Close()
	<-e.drained
	err = multierr.Append(err, e.readErr)
	if waitErr := e.cmd.Wait(); waitErr != nil {
		err = multierr.Append(err, fmt.Errorf("ffmpeg encoder exited: %w: %s", waitErr, e.cmd.Logs()))
	}
	return err
}
