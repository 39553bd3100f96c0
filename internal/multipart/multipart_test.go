package multipart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/pagemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory stand-in for *internal/storage/s3.Backend
// satisfying the multipart.Backend interface, used to drive the scheduler
// without any network calls.
type fakeBackend struct {
	mu            sync.Mutex
	putCalls      int
	createCalls   int
	uploadCalls   int
	copyCalls     int
	completeCalls int
	abortCalls    int
	failPart      int
	completeFails bool
}

func (f *fakeBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	_, _ = io.Copy(io.Discard, body)
	return "simple-etag", nil
}

func (f *fakeBackend) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return "upload-1", nil
}

func (f *fakeBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.ReaderAt, offset, length int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if partNumber == f.failPart {
		return "", fmt.Errorf("injected upload failure")
	}
	return fmt.Sprintf("upload-etag-%d", partNumber), nil
}

func (f *fakeBackend) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int, copySourceKey string, offset, length int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyCalls++
	if partNumber == f.failPart {
		return "", fmt.Errorf("injected copy failure")
	}
	return fmt.Sprintf("copy-etag-%d", partNumber), nil
}

func (f *fakeBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeFails {
		return "", fmt.Errorf("injected complete failure")
	}
	return "final-etag", nil
}

func (f *fakeBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return nil
}

func newScheduler(backend *fakeBackend, poolSize int) *Scheduler {
	pool := workerpool.New(poolSize)
	return NewScheduler(backend, pool, 0, 0, 0)
}

func TestPartitionAllModifiedSingleUploadPart(t *testing.T) {
	s := NewScheduler(&fakeBackend{}, workerpool.New(2), 0, 0, 0)
	modified := []pagemap.Page{{Offset: 0, Length: 1000, Loaded: true, Modified: true}}

	plan := s.Partition(1000, modified)
	require.Len(t, plan, 1)
	assert.Equal(t, PartKindUpload, plan[0].Kind)
	assert.Equal(t, int64(0), plan[0].Offset)
	assert.Equal(t, int64(1000), plan[0].Length)
}

func TestPartitionMixedUploadAndCopy(t *testing.T) {
	s := NewScheduler(&fakeBackend{}, workerpool.New(2), 0, 0, 0)
	totalSize := int64(30 * 1024 * 1024)
	modified := []pagemap.Page{{Offset: 10 * 1024 * 1024, Length: 5 * 1024 * 1024, Modified: true}}

	plan := s.Partition(totalSize, modified)
	require.NotEmpty(t, plan)

	var sawUpload, sawCopy bool
	var cursor int64
	for _, p := range plan {
		assert.Equal(t, cursor, p.Offset, "plan must cover the file contiguously")
		cursor += p.Length
		if p.Kind == PartKindUpload {
			sawUpload = true
		}
		if p.Kind == PartKindCopy {
			sawCopy = true
		}
	}
	assert.Equal(t, totalSize, cursor)
	assert.True(t, sawUpload)
	assert.True(t, sawCopy)
}

func TestPartitionSplitsOversizedRun(t *testing.T) {
	s := NewScheduler(&fakeBackend{}, workerpool.New(2), 0, 0, 0)
	totalSize := int64(12 * 1024 * 1024 * 1024) // 12 GiB, forces a split at 5 GiB max
	modified := []pagemap.Page{{Offset: 0, Length: totalSize, Modified: true}}

	plan := s.Partition(totalSize, modified)
	require.GreaterOrEqual(t, len(plan), 3)
	for _, p := range plan {
		assert.LessOrEqual(t, p.Length, MaxPartSize)
	}
}

func TestUploadBelowThresholdUsesSimplePut(t *testing.T) {
	backend := &fakeBackend{}
	s := newScheduler(backend, 2)
	staging := bytes.NewReader(make([]byte, 1024))

	etag, err := s.Upload(context.Background(), "small.txt", "small.txt", staging, 1024, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "simple-etag", etag)
	assert.Equal(t, 1, backend.putCalls)
	assert.Equal(t, 0, backend.createCalls)
}

func TestUploadAboveThresholdUsesMultipart(t *testing.T) {
	backend := &fakeBackend{}
	s := newScheduler(backend, 4)

	totalSize := int64(30 * 1024 * 1024)
	data := make([]byte, totalSize)
	staging := bytes.NewReader(data)
	modified := []pagemap.Page{
		{Offset: 0, Length: 10 * 1024 * 1024, Modified: true},
		{Offset: 20 * 1024 * 1024, Length: 10 * 1024 * 1024, Modified: true},
	}

	etag, err := s.Upload(context.Background(), "big.bin", "big.bin", staging, totalSize, modified, nil)
	require.NoError(t, err)
	assert.Equal(t, "final-etag", etag)
	assert.Equal(t, 1, backend.createCalls)
	assert.Equal(t, 1, backend.completeCalls)
	assert.Equal(t, 0, backend.abortCalls)
	assert.Greater(t, backend.uploadCalls, 0)
	assert.Greater(t, backend.copyCalls, 0)
}

func TestUploadAbortsOnPartFailure(t *testing.T) {
	backend := &fakeBackend{failPart: 1}
	s := newScheduler(backend, 4)

	totalSize := int64(30 * 1024 * 1024)
	staging := bytes.NewReader(make([]byte, totalSize))
	modified := []pagemap.Page{{Offset: 0, Length: totalSize, Modified: true}}
	// force multiple parts so Upload takes the multipart path instead of a single PUT
	s.maxPartSize = 10 * 1024 * 1024

	_, err := s.Upload(context.Background(), "big.bin", "big.bin", staging, totalSize, modified, nil)
	require.Error(t, err)
	assert.Equal(t, 1, backend.abortCalls)
	assert.Equal(t, 0, backend.completeCalls)
}

func TestUploadAbortsOnCompleteFailure(t *testing.T) {
	backend := &fakeBackend{completeFails: true}
	s := newScheduler(backend, 4)

	totalSize := int64(30 * 1024 * 1024)
	staging := bytes.NewReader(make([]byte, totalSize))
	modified := []pagemap.Page{{Offset: 0, Length: 10 * 1024 * 1024, Modified: true}}

	_, err := s.Upload(context.Background(), "big.bin", "big.bin", staging, totalSize, modified, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, backend.abortCalls)
}
