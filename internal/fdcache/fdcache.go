// Package fdcache owns the mapping from object key to open FileEntity: a
// local staging file plus the PageMap bookkeeping which of its bytes have
// been fetched from the backend and which have been written locally. A
// map-of-per-key-state and flush-on-close shape is generalized from
// byte-range write coalescing to whole-file staging with an explicit
// Clean/Dirty/Uploading/Error state machine, paired with an
// OpenFile/FileHandle lifecycle for the pseudo-fd/ref-count contract FUSE
// callers expect. An entity is removed only when its last handle is
// released; there is no background idle sweep.
package fdcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/multipart"
	"github.com/objectfs/objectfs/internal/statcache"
	"github.com/objectfs/objectfs/internal/workerpool"
	objerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/pagemap"
	"github.com/objectfs/objectfs/pkg/types"
)

// State is a FileEntity's position in the Clean/Dirty/Uploading/Error
// lifecycle described for the file-descriptor cache.
type State string

const (
	StateClean      State = "clean"
	StateDirty      State = "dirty"
	StateUploading  State = "uploading"
	StateError      State = "error"
)

// Backend is the subset of S3 operations the cache drives directly
// (reads, metadata, delete, rename-copy); upload of dirty data is
// delegated to multipart.Scheduler, which needs the larger
// multipart.Backend surface.
type Backend interface {
	multipart.Backend
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)
	HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
	CopyObject(ctx context.Context, srcKey, dstKey string) (etag string, err error)
}

// Config controls staging file placement, page granularity, and
// parallel-fill behavior.
type Config struct {
	StagingDir      string
	PageSize        int64
	ParallelFillers int
	ReadAheadPages  int
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() *Config {
	return &Config{
		StagingDir:      filepath.Join(os.TempDir(), "objectfs-staging"),
		PageSize:        64 * 1024,
		ParallelFillers: 8,
		ReadAheadPages:  4,
		MaxRetries:      3,
		RetryBaseDelay:  200 * time.Millisecond,
	}
}

// FileEntity is one open object's local staging state: the file backing
// its bytes on disk, the PageMap describing which of those bytes are
// loaded/modified, its ref count, and its upload lifecycle state.
type FileEntity struct {
	mu sync.Mutex

	Key         string
	stagingPath string
	file        *os.File
	pages       *pagemap.PageMap
	refCount    int
	state       State
	lastErr     error
	mode        uint32
	createdNew  bool
}

// Handle is a single open()'s view of a FileEntity, identified by a
// pseudo-fd unique within this process.
type Handle struct {
	FD     uint64
	Entity *FileEntity
	Flags  int
}

// Cache owns every currently-open FileEntity, keyed by object key.
type Cache struct {
	mu       sync.Mutex
	entities map[string]*FileEntity
	nextFD   uint64

	backend   Backend
	statCache *statcache.Cache
	pool      *workerpool.Pool
	scheduler *multipart.Scheduler
	config    *Config
}

// New builds a Cache. cfg of nil falls back to DefaultConfig.
func New(backend Backend, statCache *statcache.Cache, pool *workerpool.Pool, scheduler *multipart.Scheduler, cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("fdcache: create staging dir: %w", err)
	}
	return &Cache{
		entities:  make(map[string]*FileEntity),
		backend:   backend,
		statCache: statCache,
		pool:      pool,
		scheduler: scheduler,
		config:    cfg,
	}, nil
}

// Open returns a handle to key's FileEntity, creating it if this is the
// first open. If the entity doesn't yet exist, a stat-cache lookup (or
// HEAD on a miss) populates its size; if the object is absent and
// createIfMissing is set, an empty entity is created and pinned in the
// stat cache so other callers observe the file before it is uploaded.
func (c *Cache) Open(ctx context.Context, key string, createIfMissing bool) (*Handle, error) {
	c.mu.Lock()
	entity, exists := c.entities[key]
	if exists {
		entity.mu.Lock()
		entity.refCount++
		entity.mu.Unlock()
		c.nextFD++
		fd := c.nextFD
		c.mu.Unlock()
		return &Handle{FD: fd, Entity: entity}, nil
	}
	c.mu.Unlock()

	size, mode, err := c.statOrHead(ctx, key)
	createdNew := false
	if err != nil {
		if !createIfMissing {
			return nil, err
		}
		size, mode = 0, 0o644
		createdNew = true
	}

	stagingPath := c.stagingPathFor(key)
	f, err := os.OpenFile(stagingPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, objerrors.NewError(objerrors.ErrCodeLocalIO, "open staging file").
			WithOperation("Open").WithContext("key", key).WithCause(err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, objerrors.NewError(objerrors.ErrCodeLocalIO, "truncate staging file").
			WithOperation("Open").WithContext("key", key).WithCause(err)
	}

	entity = &FileEntity{
		Key:         key,
		stagingPath: stagingPath,
		file:        f,
		pages:       pagemap.New(size, c.config.PageSize),
		refCount:    1,
		state:       StateClean,
		mode:        mode,
		createdNew:  createdNew,
	}
	if createdNew {
		entity.state = StateDirty
		entity.pages.MarkModified(0, 0)
		parent, name := splitParent(key)
		c.statCache.Pin(parent, name)
	}

	c.mu.Lock()
	c.entities[key] = entity
	c.nextFD++
	fd := c.nextFD
	c.mu.Unlock()

	return &Handle{FD: fd, Entity: entity}, nil
}

// Size returns the entity's current tracked file size.
func (e *FileEntity) Size() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pages.Size()
}

// Mode returns the POSIX mode bits recorded when the entity was opened.
func (e *FileEntity) Mode() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Read fills and serves [offset, offset+len(buf)) from key's staging
// file, fetching any unloaded sub-ranges from the backend in parallel
// through the worker pool first.
func (c *Cache) Read(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	entity := h.Entity
	entity.mu.Lock()
	if entity.state == StateError {
		err := entity.lastErr
		entity.mu.Unlock()
		return 0, err
	}
	start, end := entity.pages.RoundToPage(offset, int64(len(buf)))
	missing := entity.pages.MissingRanges(start, end-start)
	entity.mu.Unlock()

	if len(missing) > 0 {
		if err := c.fillRanges(ctx, entity, missing); err != nil {
			return 0, err
		}
	}

	n, err := entity.file.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// fillRanges issues one range-GET per page-sized chunk of each missing
// span through the worker pool, writes each result into the staging
// file, and marks it loaded on success. Splitting spans at the page
// boundary lets a single large first-time read fan out across the pool
// instead of serializing behind one oversized GET. A retryable failure
// (5xx, network) is retried up to MaxRetries with exponential backoff;
// any other failure fails the read.
func (c *Cache) fillRanges(ctx context.Context, entity *FileEntity, missing []pagemap.Page) error {
	group := c.pool.NewGroup(ctx)
	for _, span := range missing {
		for _, chunk := range splitSpan(span, c.config.PageSize) {
			chunk := chunk
			group.Go(func(ctx context.Context) error {
				return c.fillOneRange(ctx, entity, chunk)
			})
		}
	}
	return group.Wait()
}

// splitSpan breaks span into chunkSize-or-smaller pieces aligned to
// span.Offset. chunkSize <= 0 disables splitting.
func splitSpan(span pagemap.Page, chunkSize int64) []pagemap.Page {
	if chunkSize <= 0 || span.Length <= chunkSize {
		return []pagemap.Page{span}
	}
	var chunks []pagemap.Page
	for off := span.Offset; off < span.Offset+span.Length; off += chunkSize {
		length := chunkSize
		if remaining := span.Offset + span.Length - off; remaining < length {
			length = remaining
		}
		chunks = append(chunks, pagemap.Page{Offset: off, Length: length})
	}
	return chunks
}

func (c *Cache) fillOneRange(ctx context.Context, entity *FileEntity, span pagemap.Page) error {
	var lastErr error
	delay := c.config.RetryBaseDelay
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		data, err := c.backend.GetObject(ctx, entity.Key, span.Offset, span.Length)
		if err == nil {
			if _, werr := entity.file.WriteAt(data, span.Offset); werr != nil {
				return objerrors.NewError(objerrors.ErrCodeLocalIO, "write fetched range to staging file").
					WithOperation("Read").WithContext("key", entity.Key).WithCause(werr)
			}
			entity.mu.Lock()
			entity.pages.MarkLoaded(span.Offset, span.Length)
			entity.mu.Unlock()
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func isRetryable(err error) bool {
	if oe, ok := err.(*objerrors.ObjectFSError); ok {
		return oe.Retryable
	}
	return false
}

// Write stores buf at offset in key's staging file and marks the range
// modified. No network I/O happens here.
func (c *Cache) Write(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	entity := h.Entity
	n, err := entity.file.WriteAt(buf, offset)
	if err != nil {
		return n, objerrors.NewError(objerrors.ErrCodeLocalIO, "write to staging file").
			WithOperation("Write").WithContext("key", entity.Key).WithCause(err)
	}

	entity.mu.Lock()
	entity.pages.MarkModified(offset, int64(n))
	if entity.state == StateClean {
		entity.state = StateDirty
	}
	entity.mu.Unlock()

	return n, nil
}

// Flush uploads key's modified ranges if the entity is Dirty, via the
// multipart scheduler. On success the entity transitions to Clean; on
// failure it transitions to Error and the error is surfaced to the next
// operation on any handle to this entity.
func (c *Cache) Flush(ctx context.Context, h *Handle) error {
	entity := h.Entity
	entity.mu.Lock()
	if entity.state != StateDirty {
		err := entity.lastErr
		entity.mu.Unlock()
		return err
	}
	entity.state = StateUploading
	size := entity.pages.Size()
	modified := entity.pages.ModifiedRanges()
	fullyLoaded := entity.pages.IsFullyLoaded()
	entity.mu.Unlock()

	// The simple-PUT path uploads the staging file verbatim, so any byte
	// range that was never fetched or written reads back as zero. If the
	// upload is headed down that path and the entity isn't fully loaded,
	// fill the gaps first so the upload carries the real object content.
	if !fullyLoaded && c.scheduler.WillSimplePut(size, modified) {
		missing := entity.pages.MissingRanges(0, size)
		if len(missing) > 0 {
			if ferr := c.fillRanges(ctx, entity, missing); ferr != nil {
				entity.mu.Lock()
				entity.state = StateError
				entity.lastErr = ferr
				entity.mu.Unlock()
				return ferr
			}
		}
	}

	metadata := map[string]string{"mode": strconv.FormatUint(uint64(entity.mode), 10)}
	_, err := c.scheduler.Upload(ctx, entity.Key, entity.Key, entity.file, size, modified, metadata)

	entity.mu.Lock()
	defer entity.mu.Unlock()
	if err != nil {
		entity.state = StateError
		entity.lastErr = err
		return err
	}
	entity.state = StateClean
	entity.lastErr = nil
	if entity.createdNew {
		parent, name := splitParent(entity.Key)
		c.statCache.Unpin(parent, name)
		entity.createdNew = false
	}
	c.statCache.Invalidate(entity.Key)
	return nil
}

// Release decrements the handle's ref count. At zero, a Dirty entity is
// flushed; on success (or if it was already Clean) the entity is
// destroyed and its staging file removed.
func (c *Cache) Release(ctx context.Context, h *Handle) error {
	entity := h.Entity
	entity.mu.Lock()
	entity.refCount--
	remaining := entity.refCount
	dirty := entity.state == StateDirty
	entity.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	if dirty {
		if err := c.Flush(ctx, h); err != nil {
			return err
		}
	}

	c.mu.Lock()
	delete(c.entities, entity.Key)
	c.mu.Unlock()

	entity.file.Close()
	os.Remove(entity.stagingPath)

	return nil
}

// Truncate resizes key to newSize. If an entity is currently open, it
// delegates to the entity's PageMap; otherwise it performs a server-side
// copy with a metadata update so no data transits through this process.
func (c *Cache) Truncate(ctx context.Context, key string, newSize int64) error {
	c.mu.Lock()
	entity, exists := c.entities[key]
	c.mu.Unlock()

	if exists {
		entity.mu.Lock()
		defer entity.mu.Unlock()
		if err := entity.file.Truncate(newSize); err != nil {
			return objerrors.NewError(objerrors.ErrCodeLocalIO, "truncate staging file").
				WithOperation("Truncate").WithContext("key", key).WithCause(err)
		}
		if err := entity.pages.Resize(newSize); err != nil {
			return err
		}
		if entity.state == StateClean {
			entity.state = StateDirty
		}
		return nil
	}

	_, err := c.backend.CopyObject(ctx, key, key)
	return err
}

func (c *Cache) statOrHead(ctx context.Context, key string) (size int64, mode uint32, err error) {
	if entry, ok := c.statCache.Get(key); ok && !entry.IsNegative {
		return entry.Stat.Size, entry.Stat.Mode, nil
	}
	info, err := c.backend.HeadObject(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return info.Size, modeFromMetadata(info.Metadata), nil
}

// modeFromMetadata recovers the POSIX mode bits stored in the curated
// x-amz-meta-mode header, falling back to a plain-file default when the
// object predates that convention.
func modeFromMetadata(metadata map[string]string) uint32 {
	if v, ok := metadata["mode"]; ok {
		if parsed, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return 0o644
}

func (c *Cache) stagingPathFor(key string) string {
	return filepath.Join(c.config.StagingDir, fmt.Sprintf("%x", hashKey(key)))
}

func hashKey(key string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return h
}

func splitParent(key string) (parent, name string) {
	idx := -1
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", key
	}
	return key[:idx+1], key[idx+1:]
}
