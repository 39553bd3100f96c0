//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/objectfs/internal/fdcache"
	"github.com/objectfs/objectfs/internal/statcache"
)

// CgoFuseFS implements ObjectFS using cgofuse for cross-platform support.
// It mirrors the default hanwen/go-fuse build's translation of POSIX calls
// into file-descriptor-cache and stat-cache operations, adapted to
// cgofuse's single-object callback interface instead of per-inode nodes.
type CgoFuseFS struct {
	fuse.FileSystemBase

	backend   Backend
	statCache *statcache.Cache
	fdCache   *fdcache.Cache
	config    *Config

	mu         sync.RWMutex
	openFiles  map[uint64]*cgoOpenFile
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool
}

// cgoOpenFile is one open()'s view of a file-descriptor-cache handle,
// identified by the uint64 fh cgofuse hands back on every callback.
type cgoOpenFile struct {
	path   string
	handle *fdcache.Handle
}

// NewCgoFuseFS creates a new cgofuse-based filesystem.
func NewCgoFuseFS(backend Backend, statCache *statcache.Cache, fdCache *fdcache.Cache, config *Config) *CgoFuseFS {
	return &CgoFuseFS{
		backend:    backend,
		statCache:  statCache,
		fdCache:    fdCache,
		config:     config,
		openFiles:  make(map[uint64]*cgoOpenFile),
		nextHandle: 1,
	}
}

// Mount mounts the filesystem
func (f *CgoFuseFS) Mount(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	f.host = fuse.NewFileSystemHost(f)

	options := []string{
		"-o", "fsname=objectfs",
		"-o", "subtype=s3",
		"-o", "allow_other",
	}

	switch {
	case strings.Contains(os.Getenv("GOOS"), "darwin"):
		options = append(options, "-o", "volname=ObjectFS")
	case strings.Contains(os.Getenv("GOOS"), "windows"):
		options = append(options, "-o", "FileSystemName=ObjectFS")
	}

	go func() {
		ret := f.host.Mount(f.config.MountPoint, options)
		if ret != 0 {
			log.Printf("mount failed with code: %d", ret)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	f.mounted = true
	log.Printf("objectfs mounted at: %s", f.config.MountPoint)
	return nil
}

// Unmount unmounts the filesystem
func (f *CgoFuseFS) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mounted {
		return fmt.Errorf("filesystem not mounted")
	}

	if f.host != nil {
		if ret := f.host.Unmount(); ret != 0 {
			return fmt.Errorf("unmount failed with code: %d", ret)
		}
	}

	f.mounted = false
	log.Printf("objectfs unmounted from: %s", f.config.MountPoint)
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (f *CgoFuseFS) IsMounted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mounted
}

func keyFromPath(p string) string {
	return strings.TrimPrefix(p, "/")
}

func cgoSplitParent(key string) (parent, name string) {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return "", key
	}
	return key[:idx+1], key[idx+1:]
}

// Getattr gets file attributes, consulting the stat cache before falling
// back to a HEAD request and then a directory-listing probe.
func (f *CgoFuseFS) Getattr(p string, stat *fuse.Stat_t, fh uint64) int {
	if p == "/" {
		fillCgoStat(stat, statcache.Stat{IsDir: true, Mode: modeDirDefault})
		return 0
	}

	key := keyFromPath(p)
	ctx := context.Background()

	if entry, ok := f.statCache.Get(key); ok {
		if entry.IsNegative {
			return -fuse.ENOENT
		}
		fillCgoStat(stat, entry.Stat)
		return 0
	}

	info, err := f.backend.HeadObject(ctx, key)
	if err == nil {
		s := statFromInfo(info)
		f.statCache.Put(key, s, headersFromInfo(info))
		fillCgoStat(stat, s)
		return 0
	}

	if objects, listErr := f.backend.ListObjects(ctx, key+"/", 1); listErr == nil && len(objects) > 0 {
		f.statCache.PutForceDir(key + "/")
		fillCgoStat(stat, statcache.Stat{IsDir: true, Mode: modeDirDefault})
		return 0
	}

	parent, name := cgoSplitParent(key)
	for _, pinned := range f.statCache.ListPinned(parent) {
		if pinned == name {
			fillCgoStat(stat, statcache.Stat{Mode: modeRegularDefault})
			return 0
		}
	}

	f.statCache.PutNegative(key)
	return -fuse.ENOENT
}

// Mkdir creates a directory marker object.
func (f *CgoFuseFS) Mkdir(p string, mode uint32) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	key := keyFromPath(p) + "/"
	metadata := map[string]string{"mode": strconv.FormatUint(uint64(fuse.S_IFDIR|mode), 10)}

	if _, err := f.backend.PutObject(context.Background(), key, strings.NewReader(""), 0, metadata); err != nil {
		return -fuse.EIO
	}
	f.statCache.PutForceDir(key)
	return 0
}

// Rmdir removes an empty directory marker object.
func (f *CgoFuseFS) Rmdir(p string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	key := keyFromPath(p) + "/"
	ctx := context.Background()

	if objects, err := f.backend.ListObjects(ctx, key, 2); err == nil && len(objects) > 0 {
		return -fuse.ENOTEMPTY
	}
	if err := f.backend.DeleteObject(ctx, key); err != nil {
		return -fuse.EIO
	}
	f.statCache.Invalidate(key)
	f.statCache.PutNegative(key)
	return 0
}

// Create creates and opens a new file through the file-descriptor cache.
func (f *CgoFuseFS) Create(p string, flags int, mode uint32) (int, uint64) {
	if f.config.ReadOnly {
		return -fuse.EROFS, 0
	}
	return f.open(p, true)
}

// Open opens an existing file through the file-descriptor cache.
func (f *CgoFuseFS) Open(p string, flags int) (int, uint64) {
	return f.open(p, false)
}

func (f *CgoFuseFS) open(p string, createIfMissing bool) (int, uint64) {
	key := keyFromPath(p)
	h, err := f.fdCache.Open(context.Background(), key, createIfMissing)
	if err != nil {
		return -fuse.ENOENT, 0
	}

	f.mu.Lock()
	fh := f.nextHandle
	f.nextHandle++
	f.openFiles[fh] = &cgoOpenFile{path: key, handle: h}
	f.mu.Unlock()

	return 0, fh
}

// Read serves buff from the file's staging file, filling missing ranges
// from the backend first.
func (f *CgoFuseFS) Read(p string, buff []byte, ofst int64, fh uint64) int {
	f.mu.RLock()
	of, ok := f.openFiles[fh]
	f.mu.RUnlock()
	if !ok {
		return -fuse.EBADF
	}

	n, err := f.fdCache.Read(context.Background(), of.handle, buff, ofst)
	if err != nil {
		return -fuse.EIO
	}
	return n
}

// Write stores data in the file's staging file and marks it dirty.
func (f *CgoFuseFS) Write(p string, buff []byte, ofst int64, fh uint64) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	f.mu.RLock()
	of, ok := f.openFiles[fh]
	f.mu.RUnlock()
	if !ok {
		return -fuse.EBADF
	}

	n, err := f.fdCache.Write(context.Background(), of.handle, buff, ofst)
	if err != nil {
		return -fuse.EIO
	}
	return n
}

// Flush uploads the file's dirty ranges if any.
func (f *CgoFuseFS) Flush(p string, fh uint64) int {
	f.mu.RLock()
	of, ok := f.openFiles[fh]
	f.mu.RUnlock()
	if !ok {
		return -fuse.EBADF
	}
	if err := f.fdCache.Flush(context.Background(), of.handle); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Release closes a file, flushing any dirty data on the last reference.
func (f *CgoFuseFS) Release(p string, fh uint64) int {
	f.mu.Lock()
	of, ok := f.openFiles[fh]
	delete(f.openFiles, fh)
	f.mu.Unlock()
	if !ok {
		return -fuse.EBADF
	}

	if err := f.fdCache.Release(context.Background(), of.handle); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Unlink removes an object.
func (f *CgoFuseFS) Unlink(p string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	key := keyFromPath(p)
	if err := f.backend.DeleteObject(context.Background(), key); err != nil {
		return -fuse.EIO
	}
	f.statCache.Invalidate(key)
	f.statCache.PutNegative(key)
	return 0
}

// Rename implements rename as copy-then-delete.
func (f *CgoFuseFS) Rename(oldpath, newpath string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	src := keyFromPath(oldpath)
	dst := keyFromPath(newpath)
	ctx := context.Background()

	if _, err := f.backend.CopyObject(ctx, src, dst); err != nil {
		return -fuse.EIO
	}
	if err := f.backend.DeleteObject(ctx, src); err != nil {
		return -fuse.EIO
	}
	f.statCache.Invalidate(src)
	f.statCache.PutNegative(src)
	f.statCache.InvalidatePrefix(dst)
	f.statCache.Invalidate(dst)
	return 0
}

// Truncate resizes a file through the file-descriptor cache.
func (f *CgoFuseFS) Truncate(p string, size int64, fh uint64) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	key := keyFromPath(p)
	if err := f.fdCache.Truncate(context.Background(), key, size); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Chmod updates the stored mode metadata via a metadata-only self-copy.
func (f *CgoFuseFS) Chmod(p string, mode uint32) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	key := keyFromPath(p)
	metadata := map[string]string{"mode": strconv.FormatUint(uint64(mode), 10)}
	if _, err := f.backend.SetMetadata(context.Background(), key, metadata); err != nil {
		return -fuse.EIO
	}
	f.statCache.Invalidate(key)
	return 0
}

// Symlink stores target as the body of a regular object tagged S_IFLNK.
func (f *CgoFuseFS) Symlink(target, newpath string) int {
	if f.config.ReadOnly {
		return -fuse.EROFS
	}
	key := keyFromPath(newpath)
	metadata := map[string]string{"mode": strconv.FormatUint(uint64(modeSymlinkDefault), 10)}

	if _, err := f.backend.PutObject(context.Background(), key, strings.NewReader(target), int64(len(target)), metadata); err != nil {
		return -fuse.EIO
	}
	f.statCache.Put(key, statcache.Stat{Mode: modeSymlinkDefault, Size: int64(len(target))}, nil)
	f.statCache.PutSymlink(key, target)
	return 0
}

// Readlink returns a symlink's target, consulting the symlink cache first.
func (f *CgoFuseFS) Readlink(p string) (int, string) {
	key := keyFromPath(p)
	if target, ok := f.statCache.GetSymlink(key); ok {
		return 0, target
	}

	data, err := f.backend.GetObject(context.Background(), key, 0, 0)
	if err != nil {
		return -fuse.EIO, ""
	}
	f.statCache.PutSymlink(key, string(data))
	return 0, string(data)
}

// Readdir reads directory contents, merging the backend's object listing
// with any names pinned for files still uploading.
func (f *CgoFuseFS) Readdir(p string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)

	prefix := keyFromPath(p)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects, err := f.backend.ListObjects(context.Background(), prefix, 1000)
	if err != nil {
		return -fuse.EIO
	}

	seen := make(map[string]bool)
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			continue
		}
		parts := strings.SplitN(name, "/", 2)
		entryName := parts[0]
		if seen[entryName] {
			continue
		}
		seen[entryName] = true

		stat := &fuse.Stat_t{}
		if len(parts) > 1 {
			stat.Mode = fuse.S_IFDIR | 0755
			stat.Nlink = 2
		} else {
			stat.Mode = fuse.S_IFREG | 0644
			stat.Size = obj.Size
			stat.Nlink = 1
		}
		if !fill(entryName, stat, 0) {
			break
		}
	}

	for _, pinned := range f.statCache.ListPinned(prefix) {
		if seen[pinned] {
			continue
		}
		stat := &fuse.Stat_t{Mode: fuse.S_IFREG | 0644, Nlink: 1}
		if !fill(pinned, stat, 0) {
			break
		}
	}

	return 0
}

func fillCgoStat(stat *fuse.Stat_t, s statcache.Stat) {
	mode := s.Mode
	if mode == 0 {
		if s.IsDir {
			mode = modeDirDefault
		} else {
			mode = modeRegularDefault
		}
	}
	stat.Mode = mode
	stat.Size = s.Size
	stat.Nlink = 1
	if s.IsDir {
		stat.Nlink = 2
	}
	t := s.ModTime
	if t.IsZero() {
		t = time.Now()
	}
	stat.Mtim.Sec = t.Unix()
	stat.Mtim.Nsec = int64(t.Nanosecond())
	stat.Atim = stat.Mtim
	stat.Ctim = stat.Mtim
}

// GetStats returns filesystem statistics. cgofuse's callback interface
// doesn't carry a natural place to thread shared Stats counters through
// every method the way the node-based hanwen/go-fuse build does, so this
// build reports only what it can cheaply observe.
func (f *CgoFuseFS) GetStats() *FilesystemStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &FilesystemStats{
		Opens: int64(len(f.openFiles)),
	}
}
