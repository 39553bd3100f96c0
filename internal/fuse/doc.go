/*
Package fuse implements the POSIX filesystem layer, translating file and
directory operations into calls against the stat cache, file-descriptor
cache, and S3 backend underneath.

	┌─────────────────────────────────────────────┐
	│              User applications               │
	│        (ls, cat, cp, vim, databases)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Kernel VFS layer                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            ObjectFS FUSE layer (this package)│
	│  ┌─────────────┐          ┌─────────────────┐│
	│  │ go-fuse     │          │ cgofuse         ││
	│  │ (Linux)     │          │ (macOS/Windows) ││
	│  └─────────────┘          └─────────────────┘│
	└─────────────────────────────────────────────┘
	                      │
	┌──────────────┐ ┌──────────────┐ ┌───────────┐
	│  statcache   │ │   fdcache    │ │ S3 backend│
	└──────────────┘ └──────────────┘ └───────────┘

# Platform support

Build-tag selected implementation:

	go build -tags default ./...  // Linux, github.com/hanwen/go-fuse/v2
	go build -tags cgofuse ./...  // macOS/Windows/Linux fallback

Both implementations satisfy PlatformFileSystem and are constructed
through CreatePlatformMountManager, which the caller never needs to
branch on directly.

# Construction

	filesystem := fuse.NewFileSystem(backend, statCache, fdCache, config)
	mountManager := fuse.CreatePlatformMountManager(backend, statCache, fdCache, mountConfig)
	if err := mountManager.Mount(ctx); err != nil {
		log.Fatal(err)
	}
	defer mountManager.Unmount()

DirectoryNode.Readdir merges the backend's prefix listing with statcache's
pinned-name synthesis (so a file whose upload hasn't finished yet still
shows up). FileHandle.Read/Write delegate straight to fdcache, which owns
the page-tracked local staging file for each open handle.

# POSIX mapping

File paths become object keys; directories are key prefixes with no
object of their own unless explicitly created (Mkdir writes a zero-byte
marker); symlinks store their target as the object body, with S_IFLNK
in the object's mode metadata. Device files and named pipes are not
supported and return ENOTSUP.

# Error translation

Errors from the backend and caches are not translated code by code. A
failed operation returns EIO (EROFS on a read-only mount, ENOTEMPTY from
Rmdir on a non-empty directory), and a Lookup whose HEAD, listing probe
and pinned-name check all find nothing returns ENOENT; the cgofuse
build's Open returns ENOENT for any failure. Nothing below this package
needs to know about errno.
*/
package fuse
