package pool

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of buffer handles. Push never blocks; Pop blocks
// until a handle is available or the context is done. Handles are kept in a
// ring that only grows when it is full, so a steady state allocates nothing.
type Queue struct {
	mu    sync.Mutex
	items []Handle // ring storage, len(items) is the capacity
	head  int
	n     int
	// ready holds a token whenever items may be non-empty.
	ready chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make([]Handle, capacity),
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// grow doubles the ring, unwrapping it to start at index 0.
func (q *Queue) grow() {
	items := make([]Handle, 2*len(q.items))
	k := copy(items, q.items[q.head:])
	copy(items[k:], q.items[:q.head])
	q.items = items
	q.head = 0
}

// Push appends h to the queue.
func (q *Queue) Push(h Handle) {
	q.mu.Lock()
	if q.n == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.n)%len(q.items)] = h
	q.n++
	q.mu.Unlock()
	q.signal()
}

// TryPop returns the oldest handle without blocking.
func (q *Queue) TryPop() (Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return Handle{}, false
	}
	h := q.items[q.head]
	q.items[q.head] = Handle{}
	q.head = (q.head + 1) % len(q.items)
	q.n--
	if q.n > 0 {
		// Another waiter may be sleeping on the token we consumed.
		q.signal()
	}
	return h, true
}

// Pop returns the oldest handle, waiting for one if the queue is empty. A
// queued handle is always returned in preference to ctx being done, so a
// consumer drains the queue before it observes cancellation.
func (q *Queue) Pop(ctx context.Context) (Handle, error) {
	for {
		if h, ok := q.TryPop(); ok {
			return h, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			if h, ok := q.TryPop(); ok {
				return h, nil
			}
			return Handle{}, ctx.Err()
		}
	}
}

// Size returns the number of queued handles.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Empty reports whether the queue holds no handles.
func (q *Queue) Empty() bool {
	return q.Size() == 0
}
