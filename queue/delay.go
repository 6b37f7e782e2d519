package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DelayQueue emits keys after a delay and never holds more than one pending
// entry per key. Adding a key that is already pending reschedules it in
// place, so the heap never grows beyond the number of pending keys.
type DelayQueue[K comparable] struct {
	mu      sync.Mutex
	pending map[K]*timer[K]
	timers  timerHeap[K]
	seq     uint64
	now     func() time.Time

	// signalled whenever the front of the heap may have changed
	wake chan struct{}
}

func NewDelayQueue[K comparable]() *DelayQueue[K] {
	return &DelayQueue[K]{
		pending: make(map[K]*timer[K]),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Add schedules key to be emitted after delay, counted from now. If key is
// already pending its previous schedule is discarded.
func (q *DelayQueue[K]) Add(key K, delay time.Duration) {
	q.mu.Lock()
	q.seq++
	at := q.now().Add(delay)
	if t, ok := q.pending[key]; ok {
		t.at, t.seq = at, q.seq
		heap.Fix(&q.timers, t.index)
	} else {
		t := &timer[K]{key: key, seq: q.seq, at: at}
		q.pending[key] = t
		heap.Push(&q.timers, t)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of pending keys.
func (q *DelayQueue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Next blocks until the earliest pending key is due, removes it and returns
// it. Keys are emitted in fire order. Next is meant for a single consumer.
func (q *DelayQueue[K]) Next(ctx context.Context) (K, error) {
	var zero K
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()

	for {
		key, wait, ok := q.pop()
		if ok {
			return key, nil
		}

		var fire <-chan time.Time
		if wait >= 0 {
			t.Reset(wait)
			fire = t.C
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.wake:
		case <-fire:
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
	}
}

// pop removes and returns the front key if it is due. Otherwise it returns
// how long until the front is due, or -1 if nothing is pending.
func (q *DelayQueue[K]) pop() (K, time.Duration, bool) {
	var zero K

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timers.Len() == 0 {
		return zero, -1, false
	}

	front := q.timers[0]
	if wait := front.at.Sub(q.now()); wait > 0 {
		return zero, wait, false
	}

	heap.Pop(&q.timers)
	delete(q.pending, front.key)
	return front.key, 0, true
}

type timer[K comparable] struct {
	key   K
	seq   uint64
	at    time.Time
	index int
}

type timerHeap[K comparable] []*timer[K]

func (h timerHeap[K]) Len() int { return len(h) }

func (h timerHeap[K]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap[K]) Push(x any) {
	t := x.(*timer[K])
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap[K]) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
