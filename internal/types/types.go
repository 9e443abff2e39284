package types

import "github.com/andresmejia3/backdrop/internal/frame"

// FrameTask represents a single decoded frame sent to a render engine
type FrameTask struct {
	Index int
	Frame *frame.Frame
}

// FrameResult is a processed frame coming back from an engine.
// Err is set when segmentation or the effect failed for that frame.
type FrameResult struct {
	Index int
	Frame *frame.Frame
	Err   error
}
