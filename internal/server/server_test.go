package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andresmejia3/backdrop/internal/effect"
	"github.com/andresmejia3/backdrop/internal/frame"
	"github.com/andresmejia3/backdrop/internal/pipeline"
	"github.com/andresmejia3/backdrop/internal/recorder"
	"github.com/andresmejia3/backdrop/internal/surface"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// chunkEncoder writes one byte per frame and nothing on close.
type chunkEncoder struct {
	mu      sync.Mutex
	onChunk func([]byte)
}

func (e *chunkEncoder) Encode(f *frame.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChunk([]byte{'x'})
	return nil
}

func (e *chunkEncoder) Close() error { return nil }

type fixture struct {
	srv    *Server
	canvas *surface.Surface
	pipe   *pipeline.Pipeline
	rec    *recorder.Controller
}

func newFixture(t *testing.T, factoryErr error) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	masked, err := effect.NewMasked(frame.New(4, 4), 0)
	require.NoError(t, err)
	effects := []effect.Effect{effect.NewBokeh(effect.DefaultBackgroundBlur, effect.DefaultEdgeBlur, false), masked}

	canvas := surface.New()
	// Never run: the handlers only read its mode and counters
	p, err := pipeline.New(nil, nil, canvas, effects, pipeline.Config{Logger: logger})
	require.NoError(t, err)

	rec := recorder.NewController(canvas, recorder.Config{
		Width:  4,
		Height: 4,
		Factory: func(ctx context.Context, w, h int, fps float64, onChunk func([]byte)) (recorder.Encoder, error) {
			if factoryErr != nil {
				return nil, factoryErr
			}
			return &chunkEncoder{onChunk: onChunk}, nil
		},
		Logger: logger,
	})

	return &fixture{
		srv:    New(p, rec, canvas, Config{Logger: logger}),
		canvas: canvas,
		pipe:   p,
		rec:    rec,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestIndexAndHealth(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/preview.mjpg")
	assert.Contains(t, w.Body.String(), "/camera.jpg")

	w = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", decode(t, w)["status"])
}

func TestEffectRoutes(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)
	assert.Equal(t, effect.ModeBokeh, state["mode"])
	assert.Equal(t, string(recorder.Idle), state["recording"])

	w = f.do(t, http.MethodPost, "/api/effect/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, effect.ModeBackground, decode(t, w)["mode"])
	assert.Equal(t, effect.ModeBackground, f.pipe.Mode())

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMode string
	}{
		{"Known mode", `{"mode":"bokeh"}`, http.StatusOK, effect.ModeBokeh},
		{"Unknown mode", `{"mode":"sepia"}`, http.StatusBadRequest, effect.ModeBokeh},
		{"Missing mode", `{}`, http.StatusBadRequest, effect.ModeBokeh},
		{"Malformed body", `{"mode":`, http.StatusBadRequest, effect.ModeBokeh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPut, "/api/effect", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantMode, f.pipe.Mode())
		})
	}
}

func TestRecordingRoutes(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/recording/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code, "stop while idle")

	w = f.do(t, http.MethodPost, "/api/recording/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	id := decode(t, w)["id"].(string)
	require.NotEmpty(t, id)

	w = f.do(t, http.MethodPost, "/api/recording/start", "")
	assert.Equal(t, http.StatusConflict, w.Code, "start while active")

	f.canvas.Put(frame.New(4, 4))
	time.Sleep(10 * time.Millisecond)

	w = f.do(t, http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	stopped := decode(t, w)
	assert.Equal(t, id, stopped["id"])
	assert.Equal(t, "/recordings/"+id, stopped["url"])
	assert.Equal(t, recorder.MimeWebM, stopped["mime_type"])

	w = f.do(t, http.MethodGet, "/recordings/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, recorder.MimeWebM, w.Header().Get("Content-Type"))
	assert.Equal(t, int(stopped["size"].(float64)), w.Body.Len())

	w = f.do(t, http.MethodGet, "/recordings/not-an-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/state", "")
	latest := decode(t, w)["latest_recording"].(map[string]any)
	assert.Equal(t, id, latest["id"])
}

func TestRecordingStart_EncoderFailure(t *testing.T) {
	f := newFixture(t, errors.New("ffmpeg not found"))

	w := f.do(t, http.MethodPost, "/api/recording/start", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, recorder.Idle, f.rec.State())
}

func TestPreview(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/preview.jpg", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no frame yet")

	f.canvas.Put(frame.New(4, 4))
	w = f.do(t, http.MethodGet, "/preview.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	img, err := jpeg.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
}

type fakeCamera struct {
	f   *frame.Frame
	err error
}

func (c *fakeCamera) Latest(ctx context.Context) (*frame.Frame, error) {
	return c.f, c.err
}

func TestCamera(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/camera.jpg", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no camera attached")

	serve := func(cam Camera) *httptest.ResponseRecorder {
		srv := New(f.pipe, f.rec, f.canvas, Config{Camera: cam, Logger: zaptest.NewLogger(t)})
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/camera.jpg", nil))
		return w
	}

	w = serve(&fakeCamera{err: context.DeadlineExceeded})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(&fakeCamera{f: frame.New(6, 2)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	img, err := jpeg.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx(), "the capture is served, not the canvas")
}

func TestMask(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/mask.png", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no pass has run")
}

func TestMJPEGStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep publishing until the client has what it needs
	go func() {
		for ctx.Err() == nil {
			f.canvas.Put(frame.New(4, 4))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/preview.mjpg", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)
}

func TestRun_GracefulShutdown(t *testing.T) {
	f := newFixture(t, nil)

	// Grab a free port
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
