package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Serializer.Do after Close.
var ErrClosed = errors.New("kv: serializer closed")

type serialOp struct {
	fn   func() error
	done chan error
}

// Serializer runs read-modify-write closures one at a time on a single
// goroutine. It gives in-process callers the compare-and-swap the store
// itself lacks; it does not coordinate separate processes.
type Serializer struct {
	ops    chan serialOp
	quit   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewSerializer starts the writer goroutine.
func NewSerializer() *Serializer {
	s := &Serializer{
		ops:  make(chan serialOp),
		quit: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Serializer) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case op := <-s.ops:
			op.done <- op.fn()
		}
	}
}

// Do runs fn on the writer goroutine and returns its error. Once fn has
// started it runs to completion even if ctx is cancelled.
func (s *Serializer) Do(ctx context.Context, fn func() error) error {
	op := serialOp{fn: fn, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	case s.ops <- op:
	}
	return <-op.done
}

// Close stops the writer after any in-flight closure finishes.
func (s *Serializer) Close() {
	s.closed.Do(func() { close(s.quit) })
	s.wg.Wait()
}
