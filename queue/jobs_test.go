package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(8, 2)
	q.Start()

	var ran atomic.Int32
	for range 5 {
		ok := q.Enqueue(Job{Run: func() error {
			ran.Add(1)
			return nil
		}})
		assert.True(t, ok)
	}

	q.Stop()
	assert.Equal(t, int32(5), ran.Load())
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	boom := errors.New("boom")
	var (
		mu  sync.Mutex
		got error
	)
	q.Enqueue(Job{
		Run: func() error { return boom },
		OnFail: func(err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		},
	})

	q.Stop()
	assert.ErrorIs(t, got, boom)
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, 1)

	// not started, so the buffer fills up
	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))

	q.Start()
	q.Stop()
}

func TestQueueEnqueueAfterStop(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()
	q.Stop()

	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
	q.Stop()
}
