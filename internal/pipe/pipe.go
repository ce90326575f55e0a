package pipe

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Recv once the pipe has been closed and drained.
var ErrClosed = errors.New("pipe: closed")

// Pipe is a single-producer/single-consumer rendezvous channel of Messages.
// A Send does not complete until the consumer has taken the message, so at
// most one chunk is ever in flight between the two sides.
//
// A Pipe is safe to share between goroutines by pointer.
type Pipe struct {
	ch chan Message

	mu     sync.RWMutex
	closed bool
}

// New returns an open Pipe.
func New() *Pipe {
	return &Pipe{ch: make(chan Message)}
}

// Send hands msg to the consumer, blocking until it is received or ctx is
// done. It returns the context's cause in the latter case.
//
// Sending on a closed pipe is a programming error and panics.
func (p *Pipe) Send(ctx context.Context, msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		panic("pipe: send of " + msg.String() + " on closed pipe")
	}

	select {
	case p.ch <- msg:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Recv blocks until the next message is available or ctx is done.
func (p *Pipe) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-p.ch:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, context.Cause(ctx)
	}
}

// Close closes the pipe. It waits for in-progress sends to finish and is
// safe to call more than once.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.ch)
}
