package fdcache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/objectfs/objectfs/internal/multipart"
	"github.com/objectfs/objectfs/internal/statcache"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory stand-in for the S3 backend, keyed by
// object key, sufficient to drive fdcache without any network calls.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	heads   int
	gets    int
	puts    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte)}
}

func (f *fakeBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	if offset == 0 && size == 0 {
		return append([]byte(nil), data...), nil
	}
	end := offset + size
	if size == 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (f *fakeBackend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	data, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &types.ObjectInfo{Key: key, Size: int64(len(data)), Metadata: map[string]string{}}, nil
}

func (f *fakeBackend) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBackend) CopyObject(ctx context.Context, srcKey, dstKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[srcKey]
	if !ok {
		return "", io.ErrUnexpectedEOF
	}
	f.objects[dstKey] = append([]byte(nil), data...)
	return "copied-etag", nil
}

func (f *fakeBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.objects[key] = data
	return "put-etag", nil
}

func (f *fakeBackend) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	return "upload-1", nil
}

func (f *fakeBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.ReaderAt, offset, length int64) (string, error) {
	buf := make([]byte, length)
	if _, err := body.ReadAt(buf, offset); err != nil && err != io.EOF {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.objects[key]
	if int64(len(data)) < offset+length {
		grown := make([]byte, offset+length)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:offset+length], buf)
	f.objects[key] = data
	return "part-etag", nil
}

func (f *fakeBackend) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int, copySourceKey string, offset, length int64) (string, error) {
	return "copy-part-etag", nil
}

func (f *fakeBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []multipart.CompletedPart) (string, error) {
	return "final-etag", nil
}

func (f *fakeBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return nil
}

func newTestCache(t *testing.T, backend *fakeBackend) *Cache {
	t.Helper()
	sc := statcache.New(nil)
	pool := workerpool.New(4)
	t.Cleanup(func() { pool.Close() })
	scheduler := multipart.NewScheduler(backend, pool, 0, 0, 0)

	cfg := DefaultConfig()
	cfg.StagingDir = filepath.Join(t.TempDir(), "staging")

	cache, err := New(backend, sc, pool, scheduler, cfg)
	require.NoError(t, err)
	return cache
}

func TestOpenCreatesNewDirtyEntityWhenMissing(t *testing.T) {
	backend := newFakeBackend()
	cache := newTestCache(t, backend)

	h, err := cache.Open(context.Background(), "new.txt", true)
	require.NoError(t, err)
	assert.Equal(t, StateDirty, h.Entity.state)
	assert.Equal(t, int64(0), h.Entity.Size())
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	backend := newFakeBackend()
	cache := newTestCache(t, backend)

	_, err := cache.Open(context.Background(), "missing.txt", false)
	assert.Error(t, err)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	cache := newTestCache(t, backend)
	ctx := context.Background()

	h, err := cache.Open(ctx, "round.txt", true)
	require.NoError(t, err)

	payload := []byte("hello world")
	n, err := cache.Write(ctx, h, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = cache.Read(ctx, h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestReadFillsMissingRangeFromBackend(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["existing.txt"] = []byte("0123456789abcdef")
	cache := newTestCache(t, backend)
	ctx := context.Background()

	h, err := cache.Open(ctx, "existing.txt", false)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := cache.Read(ctx, h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte("0123456789"), buf)
	assert.GreaterOrEqual(t, backend.gets, 1)

	// second read of the same range should not need another backend fetch
	getsBefore := backend.gets
	_, err = cache.Read(ctx, h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, getsBefore, backend.gets)
}

func TestFlushUploadsAndTransitionsClean(t *testing.T) {
	backend := newFakeBackend()
	cache := newTestCache(t, backend)
	ctx := context.Background()

	h, err := cache.Open(ctx, "flush.txt", true)
	require.NoError(t, err)

	_, err = cache.Write(ctx, h, []byte("payload"), 0)
	require.NoError(t, err)

	require.NoError(t, cache.Flush(ctx, h))
	assert.Equal(t, StateClean, h.Entity.state)
	assert.Equal(t, 1, backend.puts)
}

func TestReleaseAtZeroRefFlushesAndRemovesStagingFile(t *testing.T) {
	backend := newFakeBackend()
	cache := newTestCache(t, backend)
	ctx := context.Background()

	h, err := cache.Open(ctx, "release.txt", true)
	require.NoError(t, err)

	_, err = cache.Write(ctx, h, []byte("bye"), 0)
	require.NoError(t, err)

	stagingPath := h.Entity.stagingPath
	require.NoError(t, cache.Release(ctx, h))

	_, statErr := os.Stat(stagingPath)
	assert.True(t, os.IsNotExist(statErr))

	cache.mu.Lock()
	_, stillOpen := cache.entities["release.txt"]
	cache.mu.Unlock()
	assert.False(t, stillOpen)
}

func TestOpenSecondTimeIncrementsRefCount(t *testing.T) {
	backend := newFakeBackend()
	cache := newTestCache(t, backend)
	ctx := context.Background()

	h1, err := cache.Open(ctx, "shared.txt", true)
	require.NoError(t, err)
	h2, err := cache.Open(ctx, "shared.txt", true)
	require.NoError(t, err)

	assert.Same(t, h1.Entity, h2.Entity)
	assert.Equal(t, 2, h1.Entity.refCount)
}

func TestTruncateClosedEntityCopiesServerSide(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["copy.txt"] = []byte("0123456789")
	cache := newTestCache(t, backend)

	err := cache.Truncate(context.Background(), "copy.txt", 5)
	require.NoError(t, err)
}
