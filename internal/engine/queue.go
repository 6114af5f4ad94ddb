package engine

import (
	"context"
	"sync"

	"chorelink/internal/domain"
)

// eventQueue is an unbounded FIFO between the adapter's event channel and
// the dispatcher.
type eventQueue struct {
	mu    sync.Mutex
	items []domain.BrokerEvent
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

// fill moves events from src into the queue until ctx is done.
func (q *eventQueue) fill(ctx context.Context, src <-chan domain.BrokerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-src:
			q.push(ev)
		}
	}
}

func (q *eventQueue) push(ev domain.BrokerEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop returns the oldest event, waiting for one. It reports false once ctx
// is done.
func (q *eventQueue) pop(ctx context.Context) (domain.BrokerEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.ready:
		}
	}
}

func (q *eventQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
