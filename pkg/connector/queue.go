// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// KeyedQueue runs tasks in submission order per key and in parallel across
// keys. Each key gets a worker goroutine on first use; the worker exits and
// its entry is removed as soon as the key has nothing pending, so idle keys
// cost nothing.
//
// A task that panics is logged and the queue moves on to the next task.
type KeyedQueue struct {
	log zerolog.Logger

	mu     sync.Mutex
	queues map[string]*keyQueue
	wg     sync.WaitGroup
}

type keyQueue struct {
	pending []func()
}

// NewKeyedQueue creates an empty queue.
func NewKeyedQueue(log zerolog.Logger) *KeyedQueue {
	return &KeyedQueue{
		log:    log,
		queues: make(map[string]*keyQueue),
	}
}

// Enqueue schedules task to run after every task previously enqueued for key.
// It never blocks on task execution.
func (q *KeyedQueue) Enqueue(key string, task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wg.Add(1)
	kq, ok := q.queues[key]
	if ok {
		kq.pending = append(kq.pending, task)
		return
	}
	kq = &keyQueue{pending: []func(){task}}
	q.queues[key] = kq
	go q.work(key, kq)
}

func (q *KeyedQueue) work(key string, kq *keyQueue) {
	for {
		q.mu.Lock()
		if len(kq.pending) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		task := kq.pending[0]
		kq.pending[0] = nil
		kq.pending = kq.pending[1:]
		q.mu.Unlock()

		q.run(key, task)
	}
}

func (q *KeyedQueue) run(key string, task func()) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Str("queue_key", key).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("Queued task panicked")
		}
	}()
	task()
}

// Wait blocks until every task enqueued so far has finished.
func (q *KeyedQueue) Wait() {
	q.wg.Wait()
}

// ActiveKeys returns the number of keys that currently have a worker.
func (q *KeyedQueue) ActiveKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}
