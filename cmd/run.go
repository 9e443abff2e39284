package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/backdrop/internal/camera"
	"github.com/andresmejia3/backdrop/internal/effect"
	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/pipeline"
	"github.com/andresmejia3/backdrop/internal/recorder"
	"github.com/andresmejia3/backdrop/internal/server"
	"github.com/andresmejia3/backdrop/internal/store"
	"github.com/andresmejia3/backdrop/internal/surface"
	"github.com/andresmejia3/backdrop/internal/utils"
	"github.com/andresmejia3/backdrop/internal/worker"
)

// runSettings are the live-only flags that do not apply to render
type runSettings struct {
	Device        string
	Format        string
	Width         int
	Height        int
	FPS           float64
	Loop          bool
	Addr          string
	RefreshHz     float64
	MaxFailures   int
	StatsEvery    string
	CameraTimeout string
	AudioDevice   string
	AudioFormat   string
}

var (
	runOpts Options
	runSet  runSettings
)

// chromaGreen fills the virtual background when no image is given.
var chromaGreen = frame.Pixel{0, 177, 64, 255}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the live camera pipeline and its web control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLive(cmd.Context(), runOpts, runSet)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.Mode, "mode", "m", effect.ModeBokeh, "Initial effect: bokeh, background")
	runCmd.Flags().StringVarP(&runOpts.BackgroundPath, "background", "b", "", "Virtual background image (PNG, JPEG, WebP). Flat green if empty")
	runCmd.Flags().Float64Var(&runOpts.BlurAmount, "blur", effect.DefaultBackgroundBlur, "Bokeh background blur (sigma)")
	runCmd.Flags().IntVar(&runOpts.EdgeBlur, "edge-blur", effect.DefaultEdgeBlur, "Bokeh edge softening in pixels")
	runCmd.Flags().BoolVar(&runOpts.Flip, "flip", false, "Mirror the bokeh output horizontally")
	runCmd.Flags().IntVar(&runOpts.Feather, "feather", 0, "Virtual background edge feathering in pixels (0 = hard edge)")
	runCmd.Flags().Float64VarP(&runOpts.Threshold, "threshold", "t", 0.7, "Person confidence threshold for the segmentation mask")
	runCmd.Flags().StringVar(&runOpts.Model, "model", "", "Segmentation model passed to the worker (worker default if empty)")
	runCmd.Flags().StringVar(&runOpts.WorkerScript, "worker-script", "python/segment_worker.py", "Path to the segmentation worker")
	runCmd.Flags().StringVar(&runOpts.Python, "python", "python3", "Python interpreter for the worker")
	runCmd.Flags().StringVar(&runOpts.WorkerTimeout, "worker-timeout", "10s", "Timeout for a worker to segment a single frame")

	runCmd.Flags().StringVarP(&runSet.Device, "device", "d", "", "Camera device or video file (platform default if empty)")
	runCmd.Flags().StringVarP(&runSet.Format, "format", "f", "", "Input format: v4l2, avfoundation, dshow, file (platform default if empty)")
	runCmd.Flags().IntVar(&runSet.Width, "width", camera.DefaultWidth, "Capture width")
	runCmd.Flags().IntVar(&runSet.Height, "height", camera.DefaultHeight, "Capture height")
	runCmd.Flags().Float64Var(&runSet.FPS, "fps", camera.DefaultFPS, "Capture frame rate")
	runCmd.Flags().BoolVar(&runSet.Loop, "loop", false, "Loop a file source")
	runCmd.Flags().StringVar(&runSet.Addr, "addr", ":8080", "HTTP listen address")
	runCmd.Flags().Float64Var(&runSet.RefreshHz, "refresh-hz", 60, "Compositing passes per second")
	runCmd.Flags().IntVar(&runSet.MaxFailures, "max-failures", 0, "Stop after this many failed passes in a row (0 = never)")
	runCmd.Flags().StringVar(&runSet.StatsEvery, "stats-every", "30s", "Interval of the periodic stats log line (0 disables)")
	runCmd.Flags().StringVar(&runSet.CameraTimeout, "camera-timeout", "10s", "How long to wait for the first camera frame")
	runCmd.Flags().StringVar(&runSet.AudioDevice, "audio-device", "", "Audio capture device muxed into recordings (none if empty)")
	runCmd.Flags().StringVar(&runSet.AudioFormat, "audio-format", "", "Audio input format: pulse, alsa, avfoundation, dshow (platform default if empty)")

	rootCmd.AddCommand(runCmd)
}

func runLive(ctx context.Context, opts Options, set runSettings) (err error) {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateRunFlags(&opts, &set); err != nil {
		return err
	}
	logger := Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cameraTimeout, _ := time.ParseDuration(set.CameraTimeout)
	workerTimeout, _ := time.ParseDuration(opts.WorkerTimeout)

	// 1. Camera first: nothing else starts until a frame has arrived
	fmt.Fprintln(os.Stderr, "📷 Opening camera...")
	cam, err := camera.Acquire(ctx, camera.Constraints{
		Device: set.Device,
		Format: set.Format,
		Width:  set.Width,
		Height: set.Height,
		FPS:    set.FPS,
		Loop:   set.Loop,
		Logger: logger.Named("camera"),
	})
	if err != nil {
		utils.ShowError("Camera unavailable", err, nil)
		return err
	}
	defer func() { err = multierr.Append(err, cam.Close()) }()

	firstCtx, firstCancel := context.WithTimeout(ctx, cameraTimeout)
	_, err = cam.Latest(firstCtx)
	firstCancel()
	if err != nil {
		utils.ShowError("Camera produced no frames", err, nil)
		return err
	}

	// 2. Model load
	fmt.Fprintln(os.Stderr, "🚀 Loading segmentation model...")
	seg, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:      opts.Python,
		Script:      opts.WorkerScript,
		Model:       opts.Model,
		Threshold:   opts.Threshold,
		ReadTimeout: workerTimeout,
		Logger:      logger.Named("worker"),
	})
	if err != nil {
		showWorkerError("Segmentation model failed to load", err)
		return err
	}
	// The worker's stderr is only complete once Close has reaped it
	var pipelineErr error
	defer func() {
		err = multierr.Append(err, seg.Close())
		if pipelineErr != nil {
			utils.ShowError("Pipeline stopped", pipelineErr, seg.Cmd)
		}
	}()

	// 3. Background decode
	effects, err := buildEffects(opts, cam.Width, cam.Height)
	if err != nil {
		utils.ShowError("Failed to prepare background", err, nil)
		return err
	}

	canvas := surface.New()
	defer canvas.Close()

	p, err := pipeline.New(cam, seg, canvas, effects, pipeline.Config{
		Interval:               time.Duration(float64(time.Second) / set.RefreshHz),
		MaxConsecutiveFailures: set.MaxFailures,
		Mode:                   opts.Mode,
		Logger:                 logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	sessionID := ksuid.New().String()
	source := cam.Source
	if DB != nil {
		if err := DB.BeginSession(ctx, sessionID, store.KindLive, p.Mode(), source); err != nil {
			logger.Warn("run history unavailable", zap.Error(err))
		} else {
			defer func() {
				stats := p.Stats()
				if err := DB.EndSession(context.Background(), sessionID, stats.Mode, stats.Frames, stats.Failures); err != nil {
					logger.Warn("failed to close session record", zap.Error(err))
				}
			}()
		}
	}

	rec := recorder.NewController(canvas, recorder.Config{
		Width:    cam.Width,
		Height:   cam.Height,
		FPS:      set.FPS,
		Factory:  recorder.WebMEncoderFactory(audioInput(set)),
		OnSealed: saveRecording(sessionID, logger),
		Logger:   logger.Named("recorder"),
	})
	defer func() { err = multierr.Append(err, rec.Close()) }()

	srv := server.New(p, rec, canvas, server.Config{Camera: cam, Logger: logger.Named("http")})

	stopStats, err := startStatsReporter(set.StatsEvery, p, canvas, logger.Named("stats"))
	if err != nil {
		return err
	}
	defer stopStats()

	sess := pipeline.NewSession(p)
	g, gctx := errgroup.WithContext(ctx)
	if err := sess.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-sess.Done()
		return sess.Err()
	})
	g.Go(func() error {
		return srv.Run(gctx, set.Addr)
	})

	fmt.Fprintf(os.Stderr, "✨ Running. Open http://%s in a browser, Ctrl+C to stop.\n", displayAddr(set.Addr))

	waitErr := g.Wait()
	// Stop reports the same error Run ended with
	if stopErr := sess.Stop(); waitErr == nil {
		waitErr = stopErr
	}
	if waitErr != nil {
		if errors.Is(waitErr, camera.ErrStreamEnded) {
			utils.ShowError("Camera stopped", waitErr, nil)
		} else {
			pipelineErr = waitErr
		}
	}
	return waitErr
}

// buildEffects prepares both effects, decoding the background once.
func buildEffects(opts Options, width, height int) ([]effect.Effect, error) {
	var bg *frame.Frame
	if opts.BackgroundPath != "" {
		var err error
		bg, err = effect.LoadBackground(opts.BackgroundPath, width, height)
		if err != nil {
			return nil, err
		}
	} else {
		bg = frame.New(width, height)
		for i := 0; i < bg.PixelCount(); i++ {
			bg.SetPixel(i, chromaGreen)
		}
	}

	masked, err := effect.NewMasked(bg, opts.Feather)
	if err != nil {
		return nil, err
	}
	return []effect.Effect{
		effect.NewBokeh(opts.BlurAmount, opts.EdgeBlur, opts.Flip),
		masked,
	}, nil
}

// audioInput is nil unless --audio-device is set.
func audioInput(set runSettings) *recorder.AudioInput {
	if set.AudioDevice == "" {
		return nil
	}
	return &recorder.AudioInput{Format: set.AudioFormat, Device: set.AudioDevice}
}

func saveRecording(sessionID string, logger *zap.Logger) func(*recorder.Recording) {
	return func(r *recorder.Recording) {
		if DB == nil {
			return
		}
		err := DB.InsertRecording(context.Background(), store.Recording{
			ID:        r.ID,
			SessionID: sessionID,
			MimeType:  r.MimeType,
			Size:      r.Size(),
			Chunks:    r.Chunks,
			Frames:    r.Frames,
			StartedAt: r.StartedAt,
			StoppedAt: r.StoppedAt,
		})
		if err != nil {
			logger.Warn("failed to save recording metadata", zap.String("id", r.ID), zap.Error(err))
		}
	}
}

// startStatsReporter logs a stats line on a cron schedule. The returned func stops it.
func startStatsReporter(every string, p *pipeline.Pipeline, canvas *surface.Surface, logger *zap.Logger) (func(), error) {
	d, err := time.ParseDuration(every)
	if err != nil {
		return nil, fmt.Errorf("invalid --stats-every: %w", err)
	}
	if d <= 0 {
		return func() {}, nil
	}

	c := cron.New()
	var last int64
	_, err = c.AddFunc("@every "+d.String(), func() {
		s := p.Stats()
		logger.Info("pipeline stats",
			zap.String("mode", s.Mode),
			zap.Int64("frames", s.Frames),
			zap.Float64("fps", float64(s.Frames-last)/d.Seconds()),
			zap.Int64("failures", s.Failures),
			zap.Duration("last_pass", s.LastPass),
			zap.Float64("coverage", s.Coverage),
			zap.Int64("canvas_frames", canvas.Frames()))
		last = s.Frames
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func showWorkerError(msg string, err error) {
	var startErr *worker.StartError
	if errors.As(err, &startErr) && startErr.Logs != "" {
		fmt.Fprintf(os.Stderr, "\nWORKER LOGS:\n%s\n", startErr.Logs)
	}
	utils.ShowError(msg, err, nil)
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func validateRunFlags(opts *Options, set *runSettings) error {
	if opts.Mode != effect.ModeBokeh && opts.Mode != effect.ModeBackground {
		err := fmt.Errorf("invalid mode '%s'. Must be 'bokeh' or 'background'", opts.Mode)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.BackgroundPath != "" {
		if _, err := os.Stat(opts.BackgroundPath); err != nil {
			utils.ShowError("Background image is not accessible", err, nil)
			return err
		}
	}

	if opts.Threshold <= 0 || opts.Threshold > 1.0 {
		err := fmt.Errorf("must be between 0.0 and 1.0, got %f", opts.Threshold)
		utils.ShowError("Invalid threshold", err, nil)
		return err
	}

	if opts.BlurAmount < 0 || opts.EdgeBlur < 0 || opts.Feather < 0 {
		err := fmt.Errorf("blur, edge-blur and feather must not be negative")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if set.RefreshHz <= 0 {
		err := fmt.Errorf("must be positive, got %f", set.RefreshHz)
		utils.ShowError("Invalid refresh rate", err, nil)
		return err
	}

	if set.MaxFailures < 0 {
		set.MaxFailures = 0
	}

	for name, v := range map[string]string{
		"worker-timeout": opts.WorkerTimeout,
		"camera-timeout": set.CameraTimeout,
		"stats-every":    set.StatsEvery,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			utils.ShowError(fmt.Sprintf("Invalid %s format (use '30s', '1m')", name), err, nil)
			return err
		}
	}

	return nil
}
