package fuse

import (
	"bytes"
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/objectfs/internal/fdcache"
	"github.com/objectfs/objectfs/internal/statcache"
	"github.com/objectfs/objectfs/internal/storage/s3"
	"github.com/objectfs/objectfs/pkg/types"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

const (
	modeRegularDefault = uint32(syscall.S_IFREG | 0644)
	modeDirDefault     = uint32(syscall.S_IFDIR | 0755)
	modeSymlinkDefault = uint32(syscall.S_IFLNK | 0777)
)

// Backend is the subset of S3 operations the FUSE layer drives directly —
// fdcache.Backend plus listing (readdir) and the metadata-only self-copy
// Setattr uses for mode and mtime changes.
type Backend interface {
	fdcache.Backend
	ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error)
	SetMetadata(ctx context.Context, key string, metadata map[string]string) (string, error)
}

// FileSystem implements the FUSE filesystem interface over an object
// store, translating POSIX operations into file-descriptor-cache and
// stat-cache calls instead of talking to the backend on every request.
type FileSystem struct {
	fs.Inode

	backend   Backend
	statCache *statcache.Cache
	fdCache   *fdcache.Cache

	config *Config

	stats *Stats

	readAhead *ReadAheadManager
}

// Config represents FUSE filesystem configuration
type Config struct {
	// Mount options
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	// FUSE options
	DirectIO  bool   `yaml:"direct_io"`
	KeepCache bool   `yaml:"keep_cache"`
	BigWrites bool   `yaml:"big_writes"`
	MaxRead   uint32 `yaml:"max_read"`
	MaxWrite  uint32 `yaml:"max_write"`

	// Filesystem behavior
	DefaultUID  uint32        `yaml:"default_uid"`
	DefaultGID  uint32        `yaml:"default_gid"`
	DefaultMode uint32        `yaml:"default_mode"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	// Performance settings
	ReadAhead   uint32 `yaml:"read_ahead"`
	Concurrency int    `yaml:"concurrency"`
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultUID:  1000,
		DefaultGID:  1000,
		DefaultMode: 0644,
		CacheTTL:    5 * time.Minute,
		ReadAhead:   128 * 1024,
		Concurrency: 16,
	}
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	// Operation counts
	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`
	Writes  int64 `json:"writes"`
	Creates int64 `json:"creates"`
	Deletes int64 `json:"deletes"`

	// Data transfer
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	// Cache statistics
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	// Error counts
	Errors int64 `json:"errors"`

	// Performance metrics
	AvgReadTime   time.Duration `json:"avg_read_time"`
	AvgWriteTime  time.Duration `json:"avg_write_time"`
	AvgLookupTime time.Duration `json:"avg_lookup_time"`
}

// NewFileSystem creates a new FUSE filesystem instance wired to the
// file-descriptor cache (for open file bytes) and the stat cache (for
// getattr/lookup/readdir metadata).
func NewFileSystem(backend Backend, statCache *statcache.Cache, fdCache *fdcache.Cache, config *Config) *FileSystem {
	if config == nil {
		config = DefaultConfig()
	}

	filesystem := &FileSystem{
		backend:   backend,
		statCache: statCache,
		fdCache:   fdCache,
		config:    config,
		stats:     &Stats{},
	}

	filesystem.readAhead = NewReadAheadManager(filesystem, nil)

	return filesystem
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: f, path: ""}
}

// GetStats returns current filesystem statistics
func (f *FileSystem) GetStats() *Stats {
	f.stats.mu.RLock()
	defer f.stats.mu.RUnlock()

	return &Stats{
		Lookups:      f.stats.Lookups,
		Opens:        f.stats.Opens,
		Reads:        f.stats.Reads,
		Writes:       f.stats.Writes,
		Creates:      f.stats.Creates,
		Deletes:      f.stats.Deletes,
		BytesRead:    f.stats.BytesRead,
		BytesWritten: f.stats.BytesWritten,
		CacheHits:    f.stats.CacheHits,
		CacheMisses:  f.stats.CacheMisses,
		Errors:       f.stats.Errors,
	}
}

// Close stops the filesystem's background workers (currently just
// read-ahead); callers should call this once after unmounting.
func (f *FileSystem) Close() {
	if f.readAhead != nil {
		f.readAhead.Stop()
	}
}

// DirectoryNode represents a directory in the filesystem. path is ""
// for the root and ends with a trailing "/" for every other directory.
type DirectoryNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

func (n *DirectoryNode) joinPath(name string) string {
	return n.path + name
}

// Lookup looks up a child node by name, consulting the stat cache before
// falling back to a HEAD request, then to a directory-listing probe, then
// to the pinned-name set for files still uploading.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	defer func() { n.fsys.recordLookupTime(time.Since(start)) }()

	n.fsys.incr(&n.fsys.stats.Lookups)

	childPath := n.joinPath(name)

	if entry, ok := n.fsys.statCache.Get(childPath); ok {
		n.fsys.incr(&n.fsys.stats.CacheHits)
		if entry.IsNegative {
			return nil, syscall.ENOENT
		}
		return n.buildChild(ctx, childPath, entry.Stat, out), 0
	}
	n.fsys.incr(&n.fsys.stats.CacheMisses)

	info, err := n.fsys.backend.HeadObject(ctx, childPath)
	if err == nil {
		stat := statFromInfo(info)
		n.fsys.statCache.Put(childPath, stat, headersFromInfo(info))
		return n.buildChild(ctx, childPath, stat, out), 0
	}

	dirPrefix := childPath + "/"
	if objects, lErr := n.fsys.backend.ListObjects(ctx, dirPrefix, 1); lErr == nil && len(objects) > 0 {
		n.fsys.statCache.PutForceDir(dirPrefix)
		return n.buildDirChild(dirPrefix, out), 0
	}

	for _, pinned := range n.fsys.statCache.ListPinned(n.path) {
		if pinned == name {
			return n.buildChild(ctx, childPath, statcache.Stat{Mode: modeRegularDefault}, out), 0
		}
	}

	n.fsys.statCache.PutNegative(childPath)
	return nil, syscall.ENOENT
}

func (n *DirectoryNode) buildChild(ctx context.Context, path string, stat statcache.Stat, out *fuse.EntryOut) *fs.Inode {
	fillEntryOut(out, stat, n.fsys.config)
	if stat.Mode&syscall.S_IFMT == syscall.S_IFLNK {
		node := &SymlinkNode{fsys: n.fsys, path: path}
		return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFLNK})
	}
	node := &FileNode{fsys: n.fsys, path: path, stat: stat}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
}

func (n *DirectoryNode) buildDirChild(path string, out *fuse.EntryOut) *fs.Inode {
	fillEntryOut(out, statcache.Stat{IsDir: true, Mode: modeDirDefault}, n.fsys.config)
	node := &DirectoryNode{fsys: n.fsys, path: path}
	return n.NewInode(context.Background(), node, fs.StableAttr{Mode: fuse.S_IFDIR})
}

// Getattr fills in the root/directory's own attributes.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(&out.Attr, statcache.Stat{IsDir: true, Mode: modeDirDefault}, n.fsys.config)
	return 0
}

// Readdir reads directory contents, merging the backend's object listing
// with any names pinned in the stat cache for files that are still
// dirty/uploading and would not otherwise appear in a ListObjectsV2 call.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	objects, err := n.fsys.backend.ListObjects(ctx, n.path, 1000)
	if err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		log.Printf("readdir failed for %q: %v", n.path, err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(objects))
	seen := make(map[string]bool)

	for _, obj := range objects {
		// Overcheck the cache against this fresh listing: if a child's
		// cached entry carries a stale ETag, evict it now so the next
		// Lookup re-HEADs instead of serving metadata for a since-
		// replaced object.
		n.fsys.statCache.GetChecked(obj.Key, obj.ETag)

		name := strings.TrimPrefix(obj.Key, n.path)
		if name == "" {
			continue
		}
		if slashIdx := strings.Index(name, "/"); slashIdx != -1 {
			dirName := name[:slashIdx]
			if !seen[dirName] {
				entries = append(entries, fuse.DirEntry{Name: dirName, Mode: fuse.S_IFDIR})
				seen[dirName] = true
			}
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
		seen[name] = true
	}

	for _, pinned := range n.fsys.statCache.ListPinned(n.path) {
		if !seen[pinned] {
			entries = append(entries, fuse.DirEntry{Name: pinned, Mode: fuse.S_IFREG})
			seen[pinned] = true
		}
	}

	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a directory marker object: an empty object at the
// directory's key with a trailing slash, tagged with S_IFDIR in its mode
// metadata so a later Lookup recognizes it without a listing probe.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}

	childPath := n.joinPath(name) + "/"
	metadata := map[string]string{"mode": strconv.FormatUint(uint64(syscall.S_IFDIR|mode), 10)}

	if _, err := n.fsys.backend.PutObject(ctx, childPath, bytes.NewReader(nil), 0, metadata); err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		log.Printf("mkdir failed for %q: %v", childPath, err)
		return nil, syscall.EIO
	}

	n.fsys.statCache.PutForceDir(childPath)
	return n.buildDirChild(childPath, out), 0
}

// Rmdir removes an empty directory marker object.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	childPath := n.joinPath(name) + "/"
	if objects, err := n.fsys.backend.ListObjects(ctx, childPath, 2); err == nil && len(objects) > 0 {
		return syscall.ENOTEMPTY
	}

	if err := n.fsys.backend.DeleteObject(ctx, childPath); err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		return syscall.EIO
	}
	n.fsys.statCache.Invalidate(childPath)
	n.fsys.statCache.PutNegative(childPath)
	return 0
}

// Create creates a new file through the file-descriptor cache, so the
// bytes written before the first Flush never leave this process.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	childPath := n.joinPath(name)

	h, err := n.fsys.fdCache.Open(ctx, childPath, true)
	if err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		log.Printf("create failed for %q: %v", childPath, err)
		return nil, nil, 0, syscall.EIO
	}
	n.fsys.incr(&n.fsys.stats.Creates)

	stat := statcache.Stat{Mode: uint32(syscall.S_IFREG) | mode}
	fillEntryOut(out, stat, n.fsys.config)

	node := &FileNode{fsys: n.fsys, path: childPath, stat: stat}
	inode := n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})

	return inode, &FileHandle{fsys: n.fsys, node: node, handle: h}, 0, 0
}

// Symlink stores target as the body of a regular object tagged S_IFLNK in
// its mode metadata, matching the convention HeadObject/Readlink expect.
func (n *DirectoryNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}

	childPath := n.joinPath(name)
	metadata := map[string]string{"mode": strconv.FormatUint(uint64(modeSymlinkDefault), 10)}

	if _, err := n.fsys.backend.PutObject(ctx, childPath, strings.NewReader(target), int64(len(target)), metadata); err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		return nil, syscall.EIO
	}

	stat := statcache.Stat{Mode: modeSymlinkDefault, Size: int64(len(target))}
	n.fsys.statCache.Put(childPath, stat, nil)
	n.fsys.statCache.PutSymlink(childPath, target)

	fillEntryOut(out, stat, n.fsys.config)
	node := &SymlinkNode{fsys: n.fsys, path: childPath}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFLNK}), 0
}

// Unlink removes an object.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	childPath := n.joinPath(name)
	if err := n.fsys.backend.DeleteObject(ctx, childPath); err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		return syscall.EIO
	}
	n.fsys.incr(&n.fsys.stats.Deletes)
	n.fsys.statCache.Invalidate(childPath)
	n.fsys.statCache.PutNegative(childPath)
	return 0
}

// Rename is implemented as copy-then-delete, the same translation the
// backend's object API forces on every S3-compatible store: there is no
// atomic rename of an object's key.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	destDir, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EINVAL
	}

	srcPath := n.joinPath(name)
	dstPath := destDir.joinPath(newName)

	if _, err := n.fsys.backend.CopyObject(ctx, srcPath, dstPath); err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		return syscall.EIO
	}
	if err := n.fsys.backend.DeleteObject(ctx, srcPath); err != nil {
		n.fsys.incr(&n.fsys.stats.Errors)
		return syscall.EIO
	}

	n.fsys.statCache.Invalidate(srcPath)
	n.fsys.statCache.PutNegative(srcPath)
	n.fsys.statCache.InvalidatePrefix(dstPath)
	n.fsys.statCache.Invalidate(dstPath)
	return 0
}

// FileNode represents a regular file.
type FileNode struct {
	fs.Inode
	fsys *FileSystem
	path string
	stat statcache.Stat
}

// Open opens the file through the file-descriptor cache, which stages a
// local copy and serves subsequent reads/writes against it.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f.fsys.incr(&f.fsys.stats.Opens)

	if f.fsys.config.ReadOnly && (flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0) {
		return nil, 0, syscall.EROFS
	}

	h, err := f.fsys.fdCache.Open(ctx, f.path, true)
	if err != nil {
		f.fsys.incr(&f.fsys.stats.Errors)
		log.Printf("open failed for %q: %v", f.path, err)
		return nil, 0, syscall.EIO
	}

	return &FileHandle{fsys: f.fsys, node: f, handle: h}, 0, 0
}

// Getattr returns the file's attributes, refreshing from the stat cache
// when present so a concurrent chmod/write from another handle is
// reflected immediately.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	stat := f.stat
	if entry, ok := f.fsys.statCache.Get(f.path); ok && !entry.IsNegative {
		stat = entry.Stat
	}
	fillAttr(&out.Attr, stat, f.fsys.config)
	return 0
}

// Setattr implements truncate (via the file-descriptor cache) and chmod
// (via a metadata-only self-copy that rewrites the mode metadata). A
// requested mtime triggers the same self-copy; the requested time itself
// is not stored. uid and gid changes are ignored.
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if f.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	if size, ok := in.GetSize(); ok {
		if err := f.fsys.fdCache.Truncate(ctx, f.path, int64(size)); err != nil {
			f.fsys.incr(&f.fsys.stats.Errors)
			return syscall.EIO
		}
		f.stat.Size = int64(size)
	}

	needsUpdate := false
	if mode, modeOK := in.GetMode(); modeOK {
		f.stat.Mode = uint32(syscall.S_IFREG) | mode
		needsUpdate = true
	}
	if _, mtimeOK := in.GetMTime(); mtimeOK {
		needsUpdate = true
	}

	if needsUpdate {
		metadata := map[string]string{"mode": strconv.FormatUint(uint64(f.stat.Mode), 10)}
		if _, err := f.fsys.backend.SetMetadata(ctx, f.path, metadata); err != nil {
			f.fsys.incr(&f.fsys.stats.Errors)
			return syscall.EIO
		}
		f.fsys.statCache.UpdateMetadata(f.path, f.stat, nil)
	}

	fillAttr(&out.Attr, f.stat, f.fsys.config)
	return 0
}

// FileHandle represents an open file handle, backed by the
// file-descriptor cache's pseudo-fd.
type FileHandle struct {
	fsys   *FileSystem
	node   *FileNode
	handle *fdcache.Handle
}

// Read serves dest from the file's staging file, filling any missing
// ranges from the backend first.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	defer func() { fh.fsys.recordReadTime(time.Since(start)) }()
	fh.fsys.incr(&fh.fsys.stats.Reads)

	n, err := fh.fsys.fdCache.Read(ctx, fh.handle, dest, off)
	if err != nil {
		fh.fsys.incr(&fh.fsys.stats.Errors)
		log.Printf("read failed for %q at offset %d: %v", fh.node.path, off, err)
		return nil, syscall.EIO
	}
	fh.fsys.addBytesRead(int64(n))

	if fh.fsys.readAhead != nil {
		fh.fsys.readAhead.OnRead(fh.node.path, off, int64(n))
	}

	return fuse.ReadResultData(dest[:n]), 0
}

// Write stores data in the file's staging file and marks it dirty.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if fh.fsys.config.ReadOnly {
		return 0, syscall.EROFS
	}

	start := time.Now()
	defer func() { fh.fsys.recordWriteTime(time.Since(start)) }()

	n, err := fh.fsys.fdCache.Write(ctx, fh.handle, data, off)
	if err != nil {
		fh.fsys.incr(&fh.fsys.stats.Errors)
		log.Printf("write failed for %q at offset %d: %v", fh.node.path, off, err)
		return 0, syscall.EIO
	}
	fh.fsys.incr(&fh.fsys.stats.Writes)
	fh.fsys.addBytesWritten(int64(n))

	if off+int64(n) > fh.node.stat.Size {
		fh.node.stat.Size = off + int64(n)
	}

	return safeIntToUint32(n), 0
}

// Flush uploads the file's dirty ranges if any.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := fh.fsys.fdCache.Flush(ctx, fh.handle); err != nil {
		fh.fsys.incr(&fh.fsys.stats.Errors)
		log.Printf("flush failed for %q: %v", fh.node.path, err)
		return syscall.EIO
	}
	return 0
}

// Fsync is implemented the same as Flush — the staging file already is
// the durable local copy; what fsync can usefully force is the upload.
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.Flush(ctx)
}

// Release drops this handle's reference; the file-descriptor cache
// flushes and tears down the staging file once the last reference drops.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.fsys.fdCache.Release(ctx, fh.handle); err != nil {
		fh.fsys.incr(&fh.fsys.stats.Errors)
		log.Printf("release failed for %q: %v", fh.node.path, err)
		return syscall.EIO
	}
	return 0
}

// SymlinkNode represents a symbolic link, stored as a regular object
// whose body is the link target and whose mode metadata carries S_IFLNK.
type SymlinkNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

// Readlink consults the symlink cache before fetching the object body.
func (n *SymlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if target, ok := n.fsys.statCache.GetSymlink(n.path); ok {
		return []byte(target), 0
	}

	data, err := n.fsys.backend.GetObject(ctx, n.path, 0, 0)
	if err != nil {
		return nil, syscall.EIO
	}
	n.fsys.statCache.PutSymlink(n.path, string(data))
	return data, 0
}

// Getattr returns the symlink's own attributes.
func (n *SymlinkNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	stat := statcache.Stat{Mode: modeSymlinkDefault}
	if entry, ok := n.fsys.statCache.Get(n.path); ok && !entry.IsNegative {
		stat = entry.Stat
	}
	fillAttr(&out.Attr, stat, n.fsys.config)
	return 0
}

// Helper functions

func statFromInfo(info *types.ObjectInfo) statcache.Stat {
	return statcache.Stat{
		Size:    info.Size,
		Mode:    modeFromMetadata(info.Metadata),
		ModTime: info.LastModified,
	}
}

func headersFromInfo(info *types.ObjectInfo) s3.Headers {
	h := s3.NewHeaders()
	if info.ETag != "" {
		h.Set(s3.HeaderETag, info.ETag)
	}
	if info.ContentType != "" {
		h.Set(s3.HeaderContentType, info.ContentType)
	}
	for k, v := range info.Metadata {
		h.Set(k, v)
	}
	return h
}

func modeFromMetadata(metadata map[string]string) uint32 {
	if v, ok := metadata["mode"]; ok {
		if parsed, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return modeRegularDefault
}

func fillEntryOut(out *fuse.EntryOut, stat statcache.Stat, cfg *Config) {
	out.SetEntryTimeout(cfg.CacheTTL)
	out.SetAttrTimeout(cfg.CacheTTL)
	fillAttr(&out.Attr, stat, cfg)
}

func fillAttr(attr *fuse.Attr, stat statcache.Stat, cfg *Config) {
	mode := stat.Mode
	if mode == 0 {
		if stat.IsDir {
			mode = modeDirDefault
		} else {
			mode = modeRegularDefault
		}
	}
	attr.Mode = mode
	attr.Size = safeInt64ToUint64(stat.Size)
	attr.Uid = cfg.DefaultUID
	attr.Gid = cfg.DefaultGID

	t := stat.ModTime
	if t.IsZero() {
		t = time.Now()
	}
	unixTime := safeInt64ToUint64(t.Unix())
	attr.Mtime = unixTime
	attr.Atime = unixTime
	attr.Ctime = unixTime
}

func (f *FileSystem) incr(counter *int64) {
	f.stats.mu.Lock()
	defer f.stats.mu.Unlock()
	*counter++
}

func (f *FileSystem) addBytesRead(n int64) {
	f.stats.mu.Lock()
	defer f.stats.mu.Unlock()
	f.stats.BytesRead += n
}

func (f *FileSystem) addBytesWritten(n int64) {
	f.stats.mu.Lock()
	defer f.stats.mu.Unlock()
	f.stats.BytesWritten += n
}

func (f *FileSystem) recordLookupTime(duration time.Duration) {
	f.stats.mu.Lock()
	defer f.stats.mu.Unlock()

	if f.stats.Lookups <= 1 {
		f.stats.AvgLookupTime = duration
	} else {
		f.stats.AvgLookupTime = time.Duration(
			(int64(f.stats.AvgLookupTime)*9 + int64(duration)) / 10,
		)
	}
}

func (f *FileSystem) recordReadTime(duration time.Duration) {
	f.stats.mu.Lock()
	defer f.stats.mu.Unlock()

	if f.stats.Reads <= 1 {
		f.stats.AvgReadTime = duration
	} else {
		f.stats.AvgReadTime = time.Duration(
			(int64(f.stats.AvgReadTime)*9 + int64(duration)) / 10,
		)
	}
}

func (f *FileSystem) recordWriteTime(duration time.Duration) {
	f.stats.mu.Lock()
	defer f.stats.mu.Unlock()

	if f.stats.Writes <= 1 {
		f.stats.AvgWriteTime = duration
	} else {
		f.stats.AvgWriteTime = time.Duration(
			(int64(f.stats.AvgWriteTime)*9 + int64(duration)) / 10,
		)
	}
}
