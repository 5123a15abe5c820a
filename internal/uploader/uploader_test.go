package uploader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/store"
)

type fakePoster struct {
	mu      sync.Mutex
	uploads []models.MediaUpload
	err     error
}

func (f *fakePoster) UploadMedia(_ context.Context, key string, lineID int64, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, models.MediaUpload{Key: key, LineID: lineID, Path: path})
	return f.err
}

func (f *fakePoster) all() []models.MediaUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.MediaUpload(nil), f.uploads...)
}

func writeQueueFile(t *testing.T, paths store.Paths, key string, lineID int64) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(paths.QueueDir(key), 0o755))
	path := paths.MediaPath(key, lineID)
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	return path
}

func TestQueue_FIFOAndDiscard(t *testing.T) {
	q := NewQueue(nil)

	q.Enqueue(models.MediaUpload{Key: "a", LineID: 0})
	q.Enqueue(models.MediaUpload{Key: "b", LineID: 0})
	q.Enqueue(models.MediaUpload{Key: "a", LineID: 1})
	require.Equal(t, 3, q.Size())

	q.DiscardKey("a")
	require.Equal(t, 1, q.Size())

	upload, ok := q.dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "b", upload.Key)
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := NewQueue(nil)
	_, ok := q.dequeue(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueue_DequeueHonorsTinyTimeout(t *testing.T) {
	q := NewQueue(nil)

	// Near-zero deadlines race the wake timer against the wait; the
	// call must still return without a producer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, ok := q.dequeue(time.Microsecond)
			assert.False(t, ok)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue lost its deadline wake")
	}
}

func TestWorker_DeliversAndDeletes(t *testing.T) {
	paths := store.NewPaths(t.TempDir())
	path := writeQueueFile(t, paths, "asmon", 3)

	q := NewQueue(nil)
	poster := &fakePoster{}
	worker := NewWorker(q, poster, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	q.Enqueue(models.MediaUpload{Key: "asmon", LineID: 3, Path: path})

	require.Eventually(t, func() bool {
		return len(poster.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	upload := poster.all()[0]
	assert.Equal(t, "asmon", upload.Key)
	assert.Equal(t, int64(3), upload.LineID)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWorker_DeletesEvenWhenUploadFails(t *testing.T) {
	paths := store.NewPaths(t.TempDir())
	path := writeQueueFile(t, paths, "asmon", 1)

	q := NewQueue(nil)
	poster := &fakePoster{err: assert.AnError}
	worker := NewWorker(q, poster, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	q.Enqueue(models.MediaUpload{Key: "asmon", LineID: 1, Path: path})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_RelayDisabledOnlyDeletes(t *testing.T) {
	paths := store.NewPaths(t.TempDir())
	path := writeQueueFile(t, paths, "asmon", 1)

	q := NewQueue(nil)
	poster := &fakePoster{}
	worker := NewWorker(q, poster, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	q.Enqueue(models.MediaUpload{Key: "asmon", LineID: 1, Path: path})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, poster.all())
}

func TestRecover_RoundRobinInterleave(t *testing.T) {
	paths := store.NewPaths(t.TempDir())

	// Key A has a deep backlog, key B a short one. Recovery must not
	// let A's backlog block B's first upload.
	writeQueueFile(t, paths, "alpha", 10)
	writeQueueFile(t, paths, "alpha", 11)
	writeQueueFile(t, paths, "alpha", 12)
	writeQueueFile(t, paths, "bravo", 5)

	q := NewQueue(nil)
	recovered := Recover(q, paths, []string{"bravo", "alpha"}, nil)
	require.Equal(t, 4, recovered)

	var order []models.MediaUpload
	for i := 0; i < 4; i++ {
		upload, ok := q.dequeue(time.Second)
		require.True(t, ok)
		order = append(order, upload)
	}

	assert.Equal(t, "alpha", order[0].Key)
	assert.Equal(t, int64(10), order[0].LineID)
	assert.Equal(t, "bravo", order[1].Key)
	assert.Equal(t, int64(5), order[1].LineID)
	assert.Equal(t, "alpha", order[2].Key)
	assert.Equal(t, int64(11), order[2].LineID)
	assert.Equal(t, "alpha", order[3].Key)
	assert.Equal(t, int64(12), order[3].LineID)
}

func TestRecover_IgnoresForeignFiles(t *testing.T) {
	paths := store.NewPaths(t.TempDir())
	require.NoError(t, os.MkdirAll(paths.QueueDir("asmon"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(paths.QueueDir("asmon"), "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(paths.QueueDir("asmon"), "media_x.bin"), []byte("x"), 0o644))

	q := NewQueue(nil)
	assert.Zero(t, Recover(q, paths, []string{"asmon"}, nil))
}

func TestRecover_MissingQueueDir(t *testing.T) {
	paths := store.NewPaths(t.TempDir())
	q := NewQueue(nil)
	assert.Zero(t, Recover(q, paths, []string{"ghost"}, nil))
}

func TestWaitForUploads_DrainsEmptyQueue(t *testing.T) {
	q := NewQueue(nil)
	assert.True(t, q.WaitForUploads(100*time.Millisecond))
}

func TestWaitForUploads_TimesOutWithBacklog(t *testing.T) {
	q := NewQueue(nil)
	q.Enqueue(models.MediaUpload{Key: "stuck", LineID: 0})
	assert.False(t, q.WaitForUploads(50*time.Millisecond))
}
