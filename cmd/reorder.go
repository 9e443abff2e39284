package cmd

import "github.com/andresmejia3/backdrop/internal/types"

// reorderBuffer holds results that arrive ahead of their turn. Engines finish
// frames out of order but the encoder needs them in sequence.
type reorderBuffer struct {
	next    int
	pending map[int]types.FrameResult
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[int]types.FrameResult)}
}

// Push stores res and returns every result that is now in order.
func (b *reorderBuffer) Push(res types.FrameResult) []types.FrameResult {
	b.pending[res.Index] = res

	var ready []types.FrameResult
	for {
		r, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		ready = append(ready, r)
		b.next++
	}
	return ready
}

// Pending is the number of results waiting for an earlier frame.
func (b *reorderBuffer) Pending() int {
	return len(b.pending)
}
