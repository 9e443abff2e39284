package surface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/backdrop/internal/frame"
)

func TestLatest(t *testing.T) {
	s := New()
	assert.Nil(t, s.Latest(), "nothing before the first pass")

	a, b := frame.New(1, 1), frame.New(1, 1)
	s.Put(a)
	s.Put(b)
	assert.Same(t, b, s.Latest())
	assert.EqualValues(t, 2, s.Frames())
}

func TestCaptureStream_Delivers(t *testing.T) {
	s := New()
	sub := s.CaptureStream()
	defer sub.Close()

	f := frame.New(2, 2)
	s.Put(f)

	got := <-sub.C
	assert.Same(t, f, got)
	assert.EqualValues(t, 0, sub.Dropped())
}

func TestCaptureStream_DropsUnread(t *testing.T) {
	s := New()
	sub := s.CaptureStream()
	defer sub.Close()

	frames := []*frame.Frame{frame.New(1, 1), frame.New(1, 1), frame.New(1, 1)}
	for _, f := range frames {
		s.Put(f)
	}

	// Only the newest survives in the mailbox
	got := <-sub.C
	assert.Same(t, frames[2], got)
	assert.EqualValues(t, 2, sub.Dropped())

	select {
	case extra := <-sub.C:
		t.Fatalf("Expected empty mailbox, got %v", extra)
	default:
	}
}

func TestCaptureStream_IndependentSubscribers(t *testing.T) {
	s := New()
	fast := s.CaptureStream()
	slow := s.CaptureStream()
	defer fast.Close()
	defer slow.Close()

	first, second := frame.New(1, 1), frame.New(1, 1)
	s.Put(first)
	assert.Same(t, first, <-fast.C)
	s.Put(second)
	assert.Same(t, second, <-fast.C)

	assert.Same(t, second, <-slow.C)
	assert.EqualValues(t, 0, fast.Dropped())
	assert.EqualValues(t, 1, slow.Dropped())
}

func TestSubscriptionClose(t *testing.T) {
	s := New()
	sub := s.CaptureStream()
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok, "channel closed after unsubscribe")

	// Put after unsubscribe must not panic on the closed channel
	s.Put(frame.New(1, 1))
}

func TestSurfaceClose(t *testing.T) {
	s := New()
	sub := s.CaptureStream()
	s.Close()
	s.Close()

	_, ok := <-sub.C
	require.False(t, ok)
	sub.Close()

	s.Put(frame.New(1, 1))
	assert.Nil(t, s.Latest(), "puts after close are ignored")

	late := s.CaptureStream()
	_, ok = <-late.C
	assert.False(t, ok, "subscribing to a closed surface yields a closed stream")
}
