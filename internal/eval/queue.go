package eval

import (
	"context"
	"sync"

	"github.com/freeeve/usipv/internal/usi"
)

// JobQueue holds positions waiting for analysis, FIFO and deduplicated by
// position key. When full, the oldest position is dropped.
type JobQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []usi.Position
	seen    map[string]bool // dedup by position key
	maxSize int
}

// NewJobQueue creates a new job queue with the given max size.
func NewJobQueue(maxSize int) *JobQueue {
	if maxSize <= 0 {
		maxSize = 10000 // default
	}
	q := &JobQueue{
		queue:   make([]usi.Position, 0, 64),
		seen:    make(map[string]bool),
		maxSize: maxSize,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a position if not already queued. It reports whether the
// position was added and the key of any position evicted to make room.
func (q *JobQueue) Enqueue(pos usi.Position) (added bool, evicted string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := pos.Key()
	if q.seen[key] {
		return false, "" // already queued
	}

	// If at capacity, remove oldest and its key from seen
	if len(q.queue) >= q.maxSize {
		evicted = q.queue[0].Key()
		delete(q.seen, evicted)
		q.queue = q.queue[1:]
	}

	q.queue = append(q.queue, pos)
	q.seen[key] = true
	q.cond.Signal()
	return true, evicted
}

// TryDequeue returns the next position or false if empty.
func (q *JobQueue) TryDequeue() (usi.Position, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// Next blocks until a position is available or ctx is done.
func (q *JobQueue) Next(ctx context.Context) (usi.Position, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return usi.Position{}, err
		}
		if pos, ok := q.pop(); ok {
			return pos, nil
		}
		q.cond.Wait()
	}
}

func (q *JobQueue) pop() (usi.Position, bool) {
	if len(q.queue) == 0 {
		return usi.Position{}, false
	}
	pos := q.queue[0]
	q.queue = q.queue[1:]
	delete(q.seen, pos.Key())
	return pos, true
}

// Len returns current queue size.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Clear removes all positions from the queue and returns their keys.
func (q *JobQueue) Clear() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.queue))
	for _, pos := range q.queue {
		keys = append(keys, pos.Key())
	}
	q.queue = q.queue[:0]
	q.seen = make(map[string]bool)
	return keys
}

// Contains returns true if the position key is already in the queue.
func (q *JobQueue) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[key]
}
