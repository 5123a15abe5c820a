// Package chunkqueue provides the FIFO handoff between the per-key
// chunkers and the single transcriber.
package chunkqueue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/streamscribe/streamscribe/internal/models"
)

// WarnDepth is the queue depth at which producers start logging a
// back-pressure warning. Chunks are never dropped.
const WarnDepth = 10

// Queue is an unbounded FIFO of chunks. Enqueue never blocks; Dequeue
// blocks with a timeout so the consumer can notice shutdown and idle.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []models.Chunk
	logger *slog.Logger
}

// New creates an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{logger: logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a chunk. Depth reaching WarnDepth logs a warning as a
// back-pressure signal; the transcriber is falling behind the producers.
func (q *Queue) Enqueue(chunk models.Chunk) {
	q.mu.Lock()
	q.items = append(q.items, chunk)
	depth := len(q.items)
	q.mu.Unlock()
	q.cond.Signal()

	if depth >= WarnDepth {
		q.logger.Warn("chunk queue backlog",
			slog.Int("depth", depth),
			slog.String("key", chunk.Key),
		)
	}
}

// Dequeue removes and returns the oldest chunk, waiting up to timeout
// for one to arrive. The second return is false on timeout.
func (q *Queue) Dequeue(timeout time.Duration) (models.Chunk, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return models.Chunk{}, false
		}

		// sync.Cond has no timed wait; wake ourselves at the deadline.
		// The callback takes the mutex so it cannot broadcast before
		// Wait has parked this goroutine.
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.cond.Broadcast()
		})
		q.cond.Wait()
		timer.Stop()
	}

	chunk := q.items[0]
	q.items = q.items[1:]
	return chunk, true
}

// Size returns the current queue depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
