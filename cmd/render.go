package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"github.com/andresmejia3/backdrop/internal/effect"
	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/store"
	"github.com/andresmejia3/backdrop/internal/types"
	"github.com/andresmejia3/backdrop/internal/utils"
	"github.com/andresmejia3/backdrop/internal/worker"
)

var (
	renderOpts   Options
	renderOutput string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Apply bokeh or a virtual background to a video file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRender(cmd.Context(), renderOpts)
	},
}

func init() {
	renderCmd.Flags().StringVarP(&renderOpts.InputPath, "input", "i", "", "Path to input video")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "backdrop.mp4", "Path to output video")
	renderCmd.Flags().StringVarP(&renderOpts.Mode, "mode", "m", effect.ModeBokeh, "Effect: bokeh, background")
	renderCmd.Flags().StringVarP(&renderOpts.BackgroundPath, "background", "b", "", "Virtual background image (PNG, JPEG, WebP). Flat green if empty")
	renderCmd.Flags().Float64Var(&renderOpts.BlurAmount, "blur", effect.DefaultBackgroundBlur, "Bokeh background blur (sigma)")
	renderCmd.Flags().IntVar(&renderOpts.EdgeBlur, "edge-blur", effect.DefaultEdgeBlur, "Bokeh edge softening in pixels")
	renderCmd.Flags().BoolVar(&renderOpts.Flip, "flip", false, "Mirror the bokeh output horizontally")
	renderCmd.Flags().IntVar(&renderOpts.Feather, "feather", 0, "Virtual background edge feathering in pixels (0 = hard edge)")

	renderCmd.Flags().IntVarP(&renderOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	renderCmd.Flags().Float64VarP(&renderOpts.Threshold, "threshold", "t", 0.7, "Person confidence threshold for the segmentation mask")
	renderCmd.Flags().StringVar(&renderOpts.Model, "model", "", "Segmentation model passed to the worker (worker default if empty)")
	renderCmd.Flags().StringVar(&renderOpts.WorkerScript, "worker-script", "python/segment_worker.py", "Path to the segmentation worker")
	renderCmd.Flags().StringVar(&renderOpts.Python, "python", "python3", "Python interpreter for the worker")
	renderCmd.Flags().StringVar(&renderOpts.WorkerTimeout, "worker-timeout", "30s", "Timeout for a worker to segment a single frame")

	renderCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(renderCmd)
}

func runRender(ctx context.Context, opts Options) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateRenderFlags(&opts, renderOutput); err != nil {
		return err
	}
	logger := Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := utils.ProbeVideo(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to probe input video", err, nil)
		return err
	}
	if info.Width%2 != 0 || info.Height%2 != 0 {
		err := fmt.Errorf("%dx%d", info.Width, info.Height)
		utils.ShowError("Input dimensions must be even for yuv420p output", err, nil)
		return err
	}
	if info.FPS <= 0 {
		info.FPS = 30
	}

	effects, err := buildEffects(opts, info.Width, info.Height)
	if err != nil {
		utils.ShowError("Failed to prepare background", err, nil)
		return err
	}
	var eff effect.Effect
	for _, e := range effects {
		if e.Name() == opts.Mode {
			eff = e
		}
	}

	sessionID := ksuid.New().String()
	if DB != nil {
		if err := DB.BeginSession(ctx, sessionID, store.KindRender, opts.Mode, renderSource(opts.InputPath)); err != nil {
			logger.Warn("run history unavailable", zap.Error(err))
			sessionID = ""
		}
	}

	workerTimeout, _ := time.ParseDuration(opts.WorkerTimeout)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan types.FrameResult, opts.NumEngines*2)
	errChan := make(chan error, opts.NumEngines+2)

	var wg sync.WaitGroup
	readyChan := make(chan bool, opts.NumEngines)

	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			w, err := worker.NewPythonWorker(ctx, id, worker.Config{
				Python:      opts.Python,
				Script:      opts.WorkerScript,
				Model:       opts.Model,
				Threshold:   opts.Threshold,
				ReadTimeout: workerTimeout,
				Logger:      logger.Named("worker"),
			})
			if err != nil {
				showWorkerError("Worker startup failed", err)
				select {
				case errChan <- err:
				default:
				}
				return
			}
			defer w.Close()
			readyChan <- true

			for task := range taskChan {
				res := renderFrame(ctx, w, eff, task)
				if res.Err != nil && (worker.IsFatal(res.Err) || ctx.Err() != nil) {
					utils.ShowError("Python crashed", res.Err, w.Cmd)
					select {
					case errChan <- res.Err:
					default:
					}
					return
				}
				select {
				case resultsChan <- res:
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	// Wait for workers to be ready
	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	for i := 0; i < opts.NumEngines; i++ {
		select {
		case <-readyChan:
		case err := <-errChan:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	decoder := utils.NewRawDecoder(ctx, opts.InputPath, ffmpeg.KwArgs{}, info.Width, info.Height)
	decoderOut, err := decoder.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create decoder pipe", err, nil)
		return err
	}
	if err := decoder.Start(); err != nil {
		utils.ShowError("Failed to start decoder", err, decoder)
		return err
	}

	encoder := utils.NewRawEncoder(ctx, renderOutput, info.Width, info.Height, info.FPS, ffmpeg.KwArgs{
		"c:v":     "libx264",
		"pix_fmt": "yuv420p",
	})
	encoderIn, err := encoder.StdinPipe()
	if err != nil {
		utils.ShowError("Failed to create encoder pipe", err, nil)
		return err
	}
	if err := encoder.Start(); err != nil {
		utils.ShowError("Failed to start encoder", err, encoder)
		return err
	}

	go func() {
		frameSize := info.Width * info.Height * frame.BytesPerPixel
		idx := 0
		for {
			// Frames outlive this loop in the re-order buffer, so each gets its own buffer
			buf := make([]byte, frameSize)
			if _, err := io.ReadFull(decoderOut, buf); err != nil {
				// EOF or unexpected error, stop reading
				break
			}
			f, _ := frame.FromRGBA(buf, info.Width, info.Height)

			select {
			case taskChan <- types.FrameTask{Index: idx, Frame: f}:
				idx++
			case <-ctx.Done():
				return
			}
		}
		close(taskChan)
	}()

	reorder := newReorderBuffer()
	var written, failures int64
	var barTotal int64 = int64(info.Frames)
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("Rendering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	endSession := func() {
		if DB == nil || sessionID == "" {
			return
		}
		if err := DB.EndSession(context.Background(), sessionID, opts.Mode, written, failures); err != nil {
			logger.Warn("failed to close session record", zap.Error(err))
		}
	}
	defer endSession()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			return err
		case res, ok := <-resultsChan:
			if !ok {
				goto Flush
			}

			for _, r := range reorder.Push(res) {
				if r.Err != nil {
					// The original frame keeps the output in sync
					failures++
					logger.Warn("frame left unprocessed", zap.Int("frame", r.Index), zap.Error(r.Err))
				}
				if _, err := encoderIn.Write(r.Frame.Pix); err != nil {
					utils.ShowError("Encoder pipe broke", err, encoder)
					return err
				}
				written++
				bar.Add(1)
			}
		}
	}

Flush:
	bar.Finish()
	if n := reorder.Pending(); n > 0 {
		// Only possible when an engine bailed out mid-stream
		logger.Warn("frames never arrived in order", zap.Int("pending", n))
	}
	encoderIn.Close()
	if err := encoder.Wait(); err != nil {
		utils.ShowError("Encoder process failed", err, encoder)
		return err
	}
	if err := decoder.Wait(); err != nil {
		utils.ShowError("Decoder process failed", err, decoder)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n✨ Wrote %d frames to %s (%d left unprocessed)\n", written, renderOutput, failures)
	return nil
}

// renderSource tags the input path with a fingerprint of its size and mtime,
// so history shows when the same path held a different file.
func renderSource(path string) string {
	id, err := utils.GenerateVideoID(path)
	if err != nil {
		return path
	}
	return path + "@" + id[:12]
}

// renderFrame segments one frame and applies eff. On a failure the original
// frame comes back with Err set.
func renderFrame(ctx context.Context, seg worker.Segmenter, eff effect.Effect, task types.FrameTask) types.FrameResult {
	res := types.FrameResult{Index: task.Index, Frame: task.Frame}

	mask, err := seg.SegmentPerson(ctx, task.Frame)
	if err != nil {
		res.Err = err
		return res
	}
	out, err := eff.Apply(task.Frame, mask)
	if err != nil {
		res.Err = err
		return res
	}
	res.Frame = out
	return res
}

func validateRenderFlags(opts *Options, output string) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}

	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(output)
	if inAbs == outAbs {
		err := fmt.Errorf("input and output paths must be different to prevent file corruption")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}

	// The live flag checks cover everything else render shares
	set := runSettings{RefreshHz: 1, CameraTimeout: "1s", StatsEvery: "0s"}
	return validateRunFlags(opts, &set)
}
