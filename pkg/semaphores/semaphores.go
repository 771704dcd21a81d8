package semaphores

import (
	"context"
	"sync"
	"time"

	"github.com/brickingsoft/errors"
)

var (
	ErrInvalidTimeout = errors.Define("invalid timeout")
	ErrClosed         = errors.Define("semaphores closed")
)

func New(timeout time.Duration) (v *Semaphores, err error) {
	if timeout < 1 {
		err = ErrInvalidTimeout
		return
	}
	v = &Semaphores{
		timeout: timeout,
		ch:      make(chan struct{}),
	}
	return
}

// Semaphores
// wakes every goroutine waiting at the time of Signal.
type Semaphores struct {
	timeout time.Duration
	mu      sync.Mutex
	ch      chan struct{}
	closed  bool
}

func (s *Semaphores) Timeout() time.Duration {
	return s.timeout
}

func (s *Semaphores) Signal() {
	s.mu.Lock()
	if !s.closed {
		close(s.ch)
		s.ch = make(chan struct{})
	}
	s.mu.Unlock()
}

// Wait
// blocks until the next Signal, ctx ends or the timeout elapses.
func (s *Semaphores) Wait(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		err = ErrClosed
		return
	}
	ch := s.ch
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = context.DeadlineExceeded
	case <-ch:
		s.mu.Lock()
		if s.closed {
			err = ErrClosed
		}
		s.mu.Unlock()
	}
	timer.Stop()
	return
}

func (s *Semaphores) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}
