package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/andresmejia3/backdrop/internal/frame"
)

// Reply status bytes written by the Python side.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// encodeRequest builds the request body: [W:u32][H:u32][RGBA bytes].
// The outer [Length] header is added by Communicate.
func encodeRequest(f *frame.Frame) []byte {
	buf := make([]byte, 8+len(f.Pix))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Height))
	copy(buf[8:], f.Pix)
	return buf
}

// decodeMask parses a segmentation reply.
//
//	OK:    [0][W:u32][H:u32][W*H mask bytes]
//	Error: [1][MsgLen:u32][Msg]
func decodeMask(resp []byte) (*frame.Mask, error) {
	payload, err := checkStatus(resp)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(payload)
	var dims [2]uint32
	if err := binary.Read(r, binary.BigEndian, &dims); err != nil {
		return nil, fmt.Errorf("malformed mask header: %w", err)
	}
	w, h := int(dims[0]), int(dims[1])
	data := payload[8:]
	if len(data) != w*h {
		return nil, fmt.Errorf("%w: %dx%d mask carried %d bytes", frame.ErrDimensionMismatch, w, h, len(data))
	}

	mask := &frame.Mask{Width: w, Height: h, Data: make([]byte, len(data))}
	copy(mask.Data, data)
	return mask, nil
}

// decodeReady parses the load acknowledgement: [0][model name].
func decodeReady(resp []byte) (string, error) {
	payload, err := checkStatus(resp)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func checkStatus(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty reply from python worker")
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		r := bytes.NewReader(resp[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error reply: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := r.Read(msg); err != nil && msgLen > 0 {
			return nil, fmt.Errorf("malformed error reply: %w", err)
		}
		return nil, &ReplyError{Message: string(msg)}
	default:
		return nil, fmt.Errorf("unknown reply status %d", resp[0])
	}
}

// ReplyError is a failure reported by the model for a single request. The
// worker stays usable after one.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return "python worker error: " + e.Message
}
