// Package keylock provides per-key mutual exclusion for asynchronous tasks.
// Every mutation of a channel's state runs inside the lock keyed by that
// channel's id, which is the sole ordering mechanism between concurrent
// operations on the same channel.
package keylock

import (
	"context"
	"sync"
)

// globalKey serializes operations that are not bound to a single channel,
// such as channel creation.
const globalKey = "global"

// Mutex runs tasks exclusively per key. Tasks queued on the same key execute
// strictly in submission order; tasks on different keys run in parallel. Keys
// are created lazily and retained for the process lifetime.
type Mutex struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New creates an empty keyed mutex.
func New() *Mutex {
	return &Mutex{
		tails: make(map[string]chan struct{}),
	}
}

// Do runs task exclusively against the shared global key.
func (m *Mutex) Do(ctx context.Context, task func(ctx context.Context) error) error {
	return m.DoKey(ctx, globalKey, task)
}

// DoKey runs task exclusively against key. The task's error is returned
// unchanged and releases the key for the next queued task. A context
// cancelled while waiting gives up the queue slot without running the task.
func (m *Mutex) DoKey(ctx context.Context, key string, task func(ctx context.Context) error) error {
	m.mu.Lock()
	prev := m.tails[key]
	turn := make(chan struct{})
	m.tails[key] = turn
	m.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Hand the slot over once the predecessor finishes so the
			// queue behind us keeps moving.
			go func() {
				<-prev
				close(turn)
			}()
			return ctx.Err()
		}
	}
	defer close(turn)

	return task(ctx)
}
