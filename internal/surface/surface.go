// Package surface holds the composited output. The pipeline is its only
// writer; previews and the recorder read from it.
package surface

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/andresmejia3/backdrop/internal/frame"
)

// Surface keeps the most recent composited frame and fans it out to
// subscribers.
type Surface struct {
	mu     sync.Mutex
	latest *frame.Frame
	subs   map[*Subscription]struct{}
	closed bool

	frames atomic.Int64
}

func New() *Surface {
	return &Surface{subs: make(map[*Subscription]struct{})}
}

// Put publishes f. Frames handed to Put must not be modified afterwards.
func (s *Surface) Put(f *frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latest = f
	s.frames.Inc()
	for sub := range s.subs {
		sub.offer(f)
	}
}

// Latest returns the last frame put, or nil before the first pass.
func (s *Surface) Latest() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Frames counts every Put since creation.
func (s *Surface) Frames() int64 {
	return s.frames.Load()
}

// CaptureStream subscribes to every future frame. A slow reader only ever
// sees the newest one; the frames it missed are counted in Dropped.
func (s *Surface) CaptureStream() *Subscription {
	ch := make(chan *frame.Frame, 1)
	sub := &Subscription{C: ch, ch: ch, surface: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.finish()
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Close ends every subscription. Later Puts are ignored.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.finish()
	}
	s.subs = nil
}

func (s *Surface) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.finish()
}

// Subscription is a one-slot mailbox of frames. C is closed when the
// subscription or the surface is closed.
type Subscription struct {
	C <-chan *frame.Frame

	ch      chan *frame.Frame
	surface *Surface
	done    bool
	dropped atomic.Int64
}

// offer and finish run under the surface mutex.
func (sub *Subscription) offer(f *frame.Frame) {
	select {
	case sub.ch <- f:
		return
	default:
	}
	// Replace the unread frame
	select {
	case <-sub.ch:
		sub.dropped.Inc()
	default:
	}
	select {
	case sub.ch <- f:
	default:
	}
}

func (sub *Subscription) finish() {
	if sub.done {
		return
	}
	sub.done = true
	close(sub.ch)
}

// Dropped is the number of frames replaced before the reader got to them.
func (sub *Subscription) Dropped() int64 {
	return sub.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.surface.unsubscribe(sub)
}
