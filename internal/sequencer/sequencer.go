// Package sequencer admits commands one at a time, in arrival order, on a
// single worker goroutine.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"group-escrow/internal/observability"
)

// ErrClosed is returned for commands submitted after Close.
var ErrClosed = errors.New("sequencer closed")

// Command is a unit of work executed by the worker.
type Command func(ctx context.Context) error

type request struct {
	ctx    context.Context
	cmd    Command
	result chan error
}

// Sequencer runs submitted commands strictly one after another.
type Sequencer struct {
	mu     sync.RWMutex // guards closed against sends on reqs
	closed bool
	reqs   chan request
	done   chan struct{}

	submitted atomic.Uint64
	executed  atomic.Uint64
	started   atomic.Bool
}

// New creates a Sequencer with room for buffer waiting commands.
func New(buffer int) *Sequencer {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sequencer{
		reqs: make(chan request, buffer),
		done: make(chan struct{}),
	}
}

// Start runs the worker loop. It must be called once.
func (s *Sequencer) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.worker()
}

func (s *Sequencer) worker() {
	defer close(s.done)
	for req := range s.reqs {
		observability.UpdateQueueDepth(len(s.reqs))
		req.result <- s.execute(req)
		s.executed.Add(1)
	}
}

// execute runs one command, converting a panic into an error so one bad
// command does not stop admission for everyone else.
func (s *Sequencer) execute(req request) (err error) {
	// Skip commands whose caller gave up while they were queued.
	if err := req.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v", r)
		}
	}()
	return req.cmd(req.ctx)
}

// Do submits cmd and waits for its result. A command still queued when ctx is
// done is skipped; one already running is allowed to finish.
func (s *Sequencer) Do(ctx context.Context, cmd Command) error {
	req := request{ctx: ctx, cmd: cmd, result: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.reqs <- req:
		s.submitted.Add(1)
		observability.UpdateQueueDepth(len(s.reqs))
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	// The worker always answers once a request is accepted, so waiting on
	// result alone cannot hang past the running command.
	return <-req.result
}

// Run submits fn and returns its value.
func Run[T any](ctx context.Context, s *Sequencer, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// Close stops intake, lets queued commands drain, and waits for the worker.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.reqs)
	s.mu.Unlock()

	if s.started.Load() {
		<-s.done
		return
	}
	for req := range s.reqs {
		req.result <- ErrClosed
	}
}

// Stats returns the number of submitted and executed commands.
func (s *Sequencer) Stats() (submitted, executed uint64) {
	return s.submitted.Load(), s.executed.Load()
}
