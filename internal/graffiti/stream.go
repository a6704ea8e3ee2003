package graffiti

import (
	"context"
	"sync"
)

// Result is one element of a discovery stream: either an object or a
// per-element error. Source names the store the element came from.
type Result struct {
	Object *Object
	Err    error
	Source string
}

// Stream is a pull-based lazy sequence of discovery results backed by
// a bounded channel. Producers push, the consumer pulls; closing the
// stream from either side unblocks the other, so abandoning a stream
// early never leaks the producing goroutine.
type Stream struct {
	ch   chan Result
	done chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewStream creates a stream with the given channel capacity. A
// capacity of zero makes every push rendezvous with a pull.
func NewStream(buffer int) *Stream {
	return &Stream{
		ch:   make(chan Result, buffer),
		done: make(chan struct{}),
	}
}

// Push delivers one result to the consumer. It blocks while the
// buffer is full and returns false once the stream is closed or the
// context is cancelled; producers should stop on false.
func (s *Stream) Push(ctx context.Context, r Result) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case s.ch <- r:
		return true
	}
}

// Finish signals that the producer will push no more results. Pending
// buffered results remain readable; Next returns false afterwards.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() { close(s.ch) })
}

// Next pulls the next result. It returns false when the stream has
// finished, was closed, or the context was cancelled.
func (s *Stream) Next(ctx context.Context) (Result, bool) {
	select {
	case <-s.done:
		return Result{}, false
	case <-ctx.Done():
		return Result{}, false
	case r, ok := <-s.ch:
		return r, ok
	}
}

// Close abandons the stream from the consumer side. Any blocked or
// future Push returns false, releasing the producer.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done exposes closure of the stream so long-lived producers can
// deregister promptly when the consumer abandons it.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Collect drains the stream into a slice, for tests and small result
// sets.
func (s *Stream) Collect(ctx context.Context) []Result {
	var out []Result
	for {
		r, ok := s.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}
