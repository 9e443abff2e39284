package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionStarted is returned by a second Start.
var ErrSessionStarted = errors.New("pipeline session already started")

// Session gives a pipeline a start/stop lifecycle.
type Session struct {
	p *Pipeline

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func NewSession(p *Pipeline) *Session {
	return &Session{p: p, done: make(chan struct{})}
}

// Start launches Run in its own goroutine. It does not wait for the first
// pass.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSessionStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		err := s.p.Run(runCtx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return nil
}

// Stop cancels the loop and waits for it. Calling it again, or before Start,
// is harmless. It returns the error Run ended with.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.mu.Unlock()

	<-s.done
	return s.Err()
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
