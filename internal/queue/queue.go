// Package queue provides the bounded command queues in front of each
// subsystem. Producers never block; a full queue rejects the command.
package queue

import (
	"errors"

	"tracker-service/internal/types"
)

var (
	// ErrFull is returned when the queue has no room for another command.
	ErrFull = errors.New("queue: full")

	// ErrClosed is returned when submitting to a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded FIFO of commands for one subsystem. Each message is
// delivered to exactly one consumer.
type Queue struct {
	ch     chan types.CommandMessage
	closed chan struct{}
}

func New(capacity int) *Queue {
	return &Queue{
		ch:     make(chan types.CommandMessage, capacity),
		closed: make(chan struct{}),
	}
}

// Submit enqueues a command without blocking.
func (q *Queue) Submit(msg types.CommandMessage) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Drain hands every currently queued command to fn, without waiting for
// more.
func (q *Queue) Drain(fn func(types.CommandMessage)) {
	for {
		select {
		case msg := <-q.ch:
			fn(msg)
		default:
			return
		}
	}
}

// Len reports the number of queued commands.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close rejects further submissions and fails any queued commands. Safe
// to call once, during shutdown.
func (q *Queue) Close() {
	close(q.closed)
	for {
		select {
		case msg := <-q.ch:
			msg.Complete(ErrClosed)
		default:
			return
		}
	}
}
