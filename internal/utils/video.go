package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// --- 2. Video Engine (Shared by Camera, Recorder & Render) ---

// VideoInfo is what the render command needs to know about an input before decoding it.
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
	// Frames is 0 when the container does not say. Callers fall back to a spinner.
	Frames int
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
}

// ProbeVideo asks ffprobe for the first video stream of path.
func ProbeVideo(path string) (VideoInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return VideoInfo{}, err
	}
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe([]byte(out))
}

func parseProbe(out []byte) (VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	for _, s := range res.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := VideoInfo{Width: s.Width, Height: s.Height}
		info.FPS = parseFrameRate(s.AvgFrameRate)
		if info.FPS == 0 {
			info.FPS = parseFrameRate(s.RFrameRate)
		}
		// "N/A" for streams without an index, which Atoi rejects
		if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
			info.Frames = n
		}
		if info.Width <= 0 || info.Height <= 0 {
			return VideoInfo{}, fmt.Errorf("video stream has no dimensions")
		}
		return info, nil
	}
	return VideoInfo{}, fmt.Errorf("no video stream found")
}

// parseFrameRate turns ffprobe's "30000/1001" into a float. Unknown rates are 0.
func parseFrameRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		f, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return 0
		}
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// NewRawDecoder creates a decoder pipe that writes raw RGBA frames of width x height to Stdout.
// inputArgs select the demuxer, e.g. {"f": "v4l2"} for a camera device.
func NewRawDecoder(ctx context.Context, input string, inputArgs ffmpeg.KwArgs, width, height int) *SafeCommand {
	stream := ffmpeg.Input(input, inputArgs).
		Output("pipe:", ffmpeg.KwArgs{
			"f":       "rawvideo",
			"pix_fmt": "rgba",
			"s":       fmt.Sprintf("%dx%d", width, height),
		}).
		// Quiet logs keep the stderr buffer small on long runs
		GlobalArgs("-hide_banner", "-loglevel", "error")
	stream.Context = ctx
	return WrapCommand(stream.Compile())
}

// NewRawEncoder creates an encoder that reads raw RGBA frames from Stdin and writes output.
// outputArgs carry the codec settings. extra inputs, such as an audio device,
// are muxed alongside the video.
func NewRawEncoder(ctx context.Context, output string, width, height int, fps float64, outputArgs ffmpeg.KwArgs, extra ...*ffmpeg.Stream) *SafeCommand {
	video := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", width, height),
		"r":       strconv.FormatFloat(fps, 'f', -1, 64),
	})
	stream := ffmpeg.Output(append([]*ffmpeg.Stream{video}, extra...), output, outputArgs).
		GlobalArgs("-hide_banner", "-loglevel", "error").
		OverWriteOutput()
	stream.Context = ctx
	return WrapCommand(stream.Compile())
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
