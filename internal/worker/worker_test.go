package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/backdrop/internal/frame"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeReply(t *testing.T, pipe *MockCloser, payload []byte) {
	t.Helper()
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	w.logger = zap.NewNop()
	return w, stdinMock, dataPipeMock
}

func TestSegmentPerson(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()

	// Protocol: [Status:0] [W] [H] [Mask]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [2]uint32{2, 1})
	payload.Write([]byte{0, 1})
	writeReply(t, dataPipeMock, payload.Bytes())

	input, _ := frame.FromRGBA([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 2, 1)
	mask, err := w.SegmentPerson(context.Background(), input)
	if err != nil {
		t.Fatalf("SegmentPerson failed: %v", err)
	}

	// Verify Go sent [Len][W][H][RGBA]
	sent := stdinMock.Bytes()
	if len(sent) != 4+8+len(input.Pix) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+8+len(input.Pix), len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[0:4]); got != uint32(8+len(input.Pix)) {
		t.Errorf("Expected length header %d, got %d", 8+len(input.Pix), got)
	}
	if !bytes.Equal(sent[12:], input.Pix) {
		t.Errorf("Expected frame bytes %v, got %v", input.Pix, sent[12:])
	}

	if mask.Foreground(0) || !mask.Foreground(1) {
		t.Errorf("Expected mask [false true], got %v", mask.Data)
	}
}

func TestSegmentPerson_ReplyError(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: CUDA out of memory"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeReply(t, dataPipeMock, payload.Bytes())

	_, err := w.SegmentPerson(context.Background(), frame.New(1, 1))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Errorf("Expected a ReplyError, got %T", err)
	}
	if IsFatal(err) {
		t.Error("A reply error must not be fatal")
	}
}

func TestSegmentPerson_MaskSizeMismatch(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [2]uint32{1, 1})
	payload.Write([]byte{1})
	writeReply(t, dataPipeMock, payload.Bytes())

	_, err := w.SegmentPerson(context.Background(), frame.New(2, 1))
	if !errors.Is(err, frame.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSegmentPerson_WorkerExited(t *testing.T) {
	// Nothing queued on the data pipe: the read hits EOF like a dead process
	w, _, _ := newMockWorker()

	_, err := w.SegmentPerson(context.Background(), frame.New(1, 1))
	if !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("Expected exit to be fatal")
	}
}

func TestSegmentPerson_CancelledBeforeSend(t *testing.T) {
	w, stdinMock, _ := newMockWorker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.SegmentPerson(ctx, frame.New(1, 1))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Error("No request should be sent after cancellation")
	}
}

func TestLoad(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeReply(t, dataPipeMock, append([]byte{0}, []byte("selfie_multiclass")...))

	if err := w.Load(time.Second); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if w.Model != "selfie_multiclass" {
		t.Errorf("Expected model name selfie_multiclass, got %q", w.Model)
	}
}

func TestLoad_Failure(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	msg := "ModuleNotFoundError: mediapipe"
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	writeReply(t, dataPipeMock, payload.Bytes())

	if err := w.Load(time.Second); err == nil {
		t.Fatal("Expected load error, got nil")
	}
}

func TestDecodeMask_UnknownStatus(t *testing.T) {
	if _, err := decodeMask([]byte{7}); err == nil {
		t.Error("Expected error for unknown status")
	}
	if _, err := decodeMask(nil); err == nil {
		t.Error("Expected error for empty reply")
	}
}
