package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/edustream/voicebridge/internal/inference"
)

var ErrQueueClosed = errors.New("event queue closed")

// EventQueue is the per-session FIFO feeding the duplex generator. All
// producers for one session go through the same queue, which is what
// guarantees total ordering of everything sent to the inference service.
// Dequeue blocks until an event arrives, the queue closes, or ctx is done.
type EventQueue struct {
	ch        chan inference.Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventQueue{
		ch:   make(chan inference.Event, capacity),
		done: make(chan struct{}),
	}
}

func (q *EventQueue) Enqueue(ctx context.Context, ev inference.Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue prefers already-buffered events over shutdown, so neither closing
// the queue nor cancelling the consumer drops events that were accepted
// earlier.
func (q *EventQueue) Dequeue(ctx context.Context) (inference.Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-q.done:
		select {
		case ev := <-q.ch:
			return ev, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		select {
		case ev := <-q.ch:
			return ev, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// TryEnqueue adds an event without blocking. Used on teardown paths that
// must not stall behind a full queue.
func (q *EventQueue) TryEnqueue(ev inference.Event) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Close marks the end of input. Buffered events remain dequeueable.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *EventQueue) Len() int { return len(q.ch) }
