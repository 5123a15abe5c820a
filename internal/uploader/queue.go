// Package uploader delivers queued media payloads to the relay. Payloads
// are written to per-key queue directories by the store; this package
// owns the process-wide FIFO and the single delivery worker.
package uploader

import (
	"log/slog"
	"sync"
	"time"

	"github.com/streamscribe/streamscribe/internal/models"
)

// Queue is the process-wide FIFO of pending media uploads. Only the
// worker dequeues.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []models.MediaUpload
	logger *slog.Logger
}

// NewQueue creates an empty upload queue.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{logger: logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an upload record.
func (q *Queue) Enqueue(upload models.MediaUpload) {
	q.mu.Lock()
	q.items = append(q.items, upload)
	q.mu.Unlock()
	q.cond.Signal()
}

// DiscardKey drops every queued record for the key without uploading.
// Used when a new stream supersedes the old one; its pending media is
// intentionally lost.
func (q *Queue) DiscardKey(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	dropped := 0
	for _, item := range q.items {
		if item.Key == key {
			dropped++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept

	if dropped > 0 {
		q.logger.Info("discarded queued media for superseded stream",
			slog.String("key", key), slog.Int("count", dropped))
	}
}

// dequeue removes the oldest record, waiting up to timeout.
func (q *Queue) dequeue(timeout time.Duration) (models.MediaUpload, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return models.MediaUpload{}, false
		}
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

	upload := q.items[0]
	q.items = q.items[1:]
	return upload, true
}

// Size returns the current queue depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// WaitForUploads sleeps briefly to let in-flight enqueues settle, then
// polls until the queue is empty or the timeout elapses. Returns true
// when the queue drained.
func (q *Queue) WaitForUploads(timeout time.Duration) bool {
	const settleDelay = 3 * time.Second

	deadline := time.Now().Add(timeout)
	settle := settleDelay
	if remaining := time.Until(deadline); remaining < settle {
		settle = remaining
	}
	if settle > 0 {
		time.Sleep(settle)
	}

	for {
		if q.Size() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}
