package fuse

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/fdcache"
	"github.com/objectfs/objectfs/internal/multipart"
	"github.com/objectfs/objectfs/internal/statcache"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/types"
)

// fakeBackend is an in-memory stand-in for the S3 backend driving the FUSE
// Backend interface, keyed by object key, sufficient to exercise the
// filesystem layer without any network calls.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (f *fakeBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	data, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &types.ObjectInfo{Key: key, Size: int64(len(data)), Metadata: f.meta[key]}, nil
}

func (f *fakeBackend) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	delete(f.meta, key)
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
	f.meta[dstKey] = f.meta[srcKey]
	return "copied-etag", nil
}

func (f *fakeBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	if metadata != nil {
		f.meta[key] = metadata
	}
	return "put-etag", nil
}

func (f *fakeBackend) SetMetadata(ctx context.Context, key string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", io.ErrUnexpectedEOF
	}
	f.meta[key] = metadata
	return "meta-etag", nil
}

func (f *fakeBackend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	objects := make([]types.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		if len(objects) >= limit {
			break
		}
		objects = append(objects, types.ObjectInfo{Key: key, Size: int64(len(f.objects[key])), Metadata: f.meta[key]})
	}
	return objects, nil
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

func newTestFileSystem(t *testing.T, backend *fakeBackend) *FileSystem {
	t.Helper()

	sc := statcache.New(nil)
	pool := workerpool.New(4)
	t.Cleanup(func() { pool.Close() })
	scheduler := multipart.NewScheduler(backend, pool, 0, 0, 0)

	fdCfg := fdcache.DefaultConfig()
	fdCfg.StagingDir = filepath.Join(t.TempDir(), "staging")
	fdCache, err := fdcache.New(backend, sc, pool, scheduler, fdCfg)
	require.NoError(t, err)

	filesystem := NewFileSystem(backend, sc, fdCache, DefaultConfig())
	t.Cleanup(filesystem.Close)
	return filesystem
}

// mountedRoot attaches the filesystem's root node to a node-fs bridge, the
// same machinery fs.Mount sets up internally, so that the operations which
// call Inode.NewInode (Lookup, Mkdir, Create, Symlink) have a live inode
// tree to attach children to without actually mounting a kernel connection.
func mountedRoot(filesystem *FileSystem) *DirectoryNode {
	root := filesystem.Root()
	fs.NewNodeFS(root, &fs.Options{})
	return root.(*DirectoryNode)
}

func TestLookupHitsBackendThenCachesStat(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["file.txt"] = []byte("hello")
	filesystem := newTestFileSystem(t, backend)
	root := mountedRoot(filesystem)
	ctx := context.Background()

	var out gofuse.EntryOut
	inode, errno := root.Lookup(ctx, "file.txt", &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, inode)
	assert.Equal(t, uint64(5), out.Attr.Size)

	_, cached := filesystem.statCache.Get("file.txt")
	assert.True(t, cached)
}

func TestLookupMissingReturnsENOENT(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	root := mountedRoot(filesystem)

	var out gofuse.EntryOut
	_, errno := root.Lookup(context.Background(), "nope.txt", &out)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestLookupFindsDirectoryFromChildListing(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["sub/inner.txt"] = []byte("x")
	filesystem := newTestFileSystem(t, backend)
	root := mountedRoot(filesystem)

	var out gofuse.EntryOut
	inode, errno := root.Lookup(context.Background(), "sub", &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, inode)
	assert.NotZero(t, out.Attr.Mode&syscall.S_IFDIR)
}

func TestReaddirMergesBackendListingAndPinnedNames(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["a.txt"] = []byte("a")
	backend.objects["dir/b.txt"] = []byte("b")
	filesystem := newTestFileSystem(t, backend)
	filesystem.statCache.Pin("", "pending.txt")

	root := &DirectoryNode{fsys: filesystem, path: ""}
	stream, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)

	names := map[string]bool{}
	for stream.HasNext() {
		entry, entryErrno := stream.Next()
		require.Equal(t, syscall.Errno(0), entryErrno)
		names[entry.Name] = true
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["dir"])
	assert.True(t, names["pending.txt"])
}

func TestMkdirCreatesDirectoryMarker(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	root := mountedRoot(filesystem)

	var out gofuse.EntryOut
	inode, errno := root.Mkdir(context.Background(), "newdir", 0755, &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, inode)

	_, ok := backend.objects["newdir/"]
	assert.True(t, ok)
}

func TestMkdirReadOnlyReturnsEROFS(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	filesystem.config.ReadOnly = true
	root := mountedRoot(filesystem)

	var out gofuse.EntryOut
	_, errno := root.Mkdir(context.Background(), "newdir", 0755, &out)
	assert.Equal(t, syscall.EROFS, errno)
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["dir/child.txt"] = []byte("x")
	filesystem := newTestFileSystem(t, backend)
	root := &DirectoryNode{fsys: filesystem, path: ""}

	errno := root.Rmdir(context.Background(), "dir")
	assert.Equal(t, syscall.ENOTEMPTY, errno)
}

func TestCreateWriteFlushReadRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	root := mountedRoot(filesystem)
	ctx := context.Background()

	var out gofuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "new.txt", 0, 0644, &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, fh)
	handle := fh.(*FileHandle)

	payload := []byte("round trip payload")
	n, writeErrno := handle.Write(ctx, payload, 0)
	require.Equal(t, syscall.Errno(0), writeErrno)
	assert.Equal(t, uint32(len(payload)), n)

	require.Equal(t, syscall.Errno(0), handle.Flush(ctx))
	assert.Equal(t, payload, backend.objects["new.txt"])

	buf := make([]byte, len(payload))
	result, readErrno := handle.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), readErrno)
	rbuf, _ := result.Bytes(buf)
	assert.Equal(t, payload, rbuf)

	assert.Equal(t, syscall.Errno(0), handle.Release(ctx))
}

func TestSymlinkReadlinkRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	root := mountedRoot(filesystem)
	ctx := context.Background()

	var out gofuse.EntryOut
	inode, errno := root.Symlink(ctx, "target.txt", "link.txt", &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, inode)

	symlink, ok := inode.Operations().(*SymlinkNode)
	require.True(t, ok)
	target, readlinkErrno := symlink.Readlink(ctx)
	require.Equal(t, syscall.Errno(0), readlinkErrno)
	assert.Equal(t, "target.txt", string(target))
}

func TestUnlinkRemovesObjectAndCachesNegative(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["doomed.txt"] = []byte("x")
	filesystem := newTestFileSystem(t, backend)
	root := &DirectoryNode{fsys: filesystem, path: ""}

	errno := root.Unlink(context.Background(), "doomed.txt")
	assert.Equal(t, syscall.Errno(0), errno)

	_, exists := backend.objects["doomed.txt"]
	assert.False(t, exists)

	entry, ok := filesystem.statCache.Get("doomed.txt")
	require.True(t, ok)
	assert.True(t, entry.IsNegative)
}

func TestRenameCopiesThenDeletesSource(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["src.txt"] = []byte("payload")
	filesystem := newTestFileSystem(t, backend)
	root := &DirectoryNode{fsys: filesystem, path: ""}

	errno := root.Rename(context.Background(), "src.txt", root, "dst.txt", 0)
	assert.Equal(t, syscall.Errno(0), errno)

	_, srcExists := backend.objects["src.txt"]
	assert.False(t, srcExists)
	assert.Equal(t, []byte("payload"), backend.objects["dst.txt"])
}

func TestRenameReadOnlyReturnsEROFS(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	filesystem.config.ReadOnly = true
	root := &DirectoryNode{fsys: filesystem, path: ""}

	errno := root.Rename(context.Background(), "src.txt", root, "dst.txt", 0)
	assert.Equal(t, syscall.EROFS, errno)
}

func TestSetattrChmodUpdatesMetadataViaCopy(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["chmod.txt"] = []byte("x")
	filesystem := newTestFileSystem(t, backend)
	filesystem.statCache.Put("chmod.txt", statcache.Stat{Mode: modeRegularDefault}, nil)

	node := &FileNode{fsys: filesystem, path: "chmod.txt", stat: statcache.Stat{Mode: modeRegularDefault}}

	in := &gofuse.SetAttrIn{}
	in.Valid = gofuse.FATTR_MODE
	in.Mode = 0600

	var out gofuse.AttrOut
	errno := node.Setattr(context.Background(), nil, in, &out)
	require.Equal(t, syscall.Errno(0), errno)

	wantMode := uint32(syscall.S_IFREG) | in.Mode
	assert.Equal(t, wantMode, backendModeFor(t, backend, "chmod.txt"))

	entry, ok := filesystem.statCache.Get("chmod.txt")
	require.True(t, ok)
	assert.Equal(t, wantMode, entry.Stat.Mode)
}

func TestSetattrReadOnlyReturnsEROFS(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	filesystem.config.ReadOnly = true

	node := &FileNode{fsys: filesystem, path: "chmod.txt", stat: statcache.Stat{Mode: modeRegularDefault}}
	in := &gofuse.SetAttrIn{}
	var out gofuse.AttrOut
	errno := node.Setattr(context.Background(), nil, in, &out)
	assert.Equal(t, syscall.EROFS, errno)
}

func backendModeFor(t *testing.T, backend *fakeBackend, key string) uint32 {
	t.Helper()
	backend.mu.Lock()
	defer backend.mu.Unlock()
	mode, err := strconv.ParseUint(backend.meta[key]["mode"], 10, 32)
	require.NoError(t, err)
	return uint32(mode)
}

func TestFileSystemStatsCountLookups(t *testing.T) {
	backend := newFakeBackend()
	filesystem := newTestFileSystem(t, backend)
	root := mountedRoot(filesystem)

	var out gofuse.EntryOut
	_, _ = root.Lookup(context.Background(), "absent.txt", &out)

	stats := filesystem.GetStats()
	assert.Equal(t, int64(1), stats.Lookups)
}
