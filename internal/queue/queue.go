// Package queue is the hand-off between the change signal (fast loop) and
// the consumer that runs detection and dispatch.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"alertwatch/internal/alert"

	"github.com/google/uuid"
)

var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// ChangeEvent asks the consumer to re-run detection for one kind. An empty
// SubscriberID means every subscriber.
type ChangeEvent struct {
	ID           uuid.UUID
	Kind         alert.Kind
	SubscriberID string
	DetectedAt   time.Time
	Trigger      alert.Trigger
}

// NewEvent stamps a fresh id and detection time.
func NewEvent(kind alert.Kind, trigger alert.Trigger) ChangeEvent {
	return ChangeEvent{ID: uuid.New(), Kind: kind, DetectedAt: time.Now(), Trigger: trigger}
}

// Queue is a bounded FIFO. Each event is received by exactly one Pop.
//
// It is safe for concurrent use.
type Queue struct {
	ch   chan ChangeEvent
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	pushers sync.WaitGroup
}

func New(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan ChangeEvent, size), done: make(chan struct{})}
}

func (q *Queue) enter() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pushers.Add(1)
	return true
}

// Push blocks until there is room, ctx is done or the queue is closed.
func (q *Queue) Push(ctx context.Context, ev ChangeEvent) error {
	if !q.enter() {
		return ErrClosed
	}
	defer q.pushers.Done()
	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush never blocks.
func (q *Queue) TryPush(ev ChangeEvent) error {
	if !q.enter() {
		return ErrClosed
	}
	defer q.pushers.Done()
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrFull
	}
}

// Pop waits up to idle for an event. ok=false with a nil error means the
// wait timed out. After Close, buffered events are still returned; once
// drained Pop reports ErrClosed.
func (q *Queue) Pop(ctx context.Context, idle time.Duration) (ev ChangeEvent, ok bool, err error) {
	// Prefer buffered events over a concurrent timeout or cancellation.
	select {
	case ev, open := <-q.ch:
		if !open {
			return ChangeEvent{}, false, ErrClosed
		}
		return ev, true, nil
	default:
	}

	if idle <= 0 {
		idle = time.Second
	}
	t := time.NewTimer(idle)
	defer t.Stop()
	select {
	case ev, open := <-q.ch:
		if !open {
			return ChangeEvent{}, false, ErrClosed
		}
		return ev, true, nil
	case <-ctx.Done():
		return ChangeEvent{}, false, ctx.Err()
	case <-t.C:
		return ChangeEvent{}, false, nil
	}
}

// Close stops intake. Blocked pushers return ErrClosed. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.pushers.Wait()
	close(q.ch)
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }
