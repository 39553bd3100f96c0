//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"

	"github.com/objectfs/objectfs/internal/fdcache"
	"github.com/objectfs/objectfs/internal/statcache"
)

// Platform-specific filesystem interface
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the appropriate mount manager for the platform
func CreatePlatformMountManager(backend Backend, statCache *statcache.Cache, fdCache *fdcache.Cache, config *MountConfig) PlatformFileSystem {
	// Use original hanwen/go-fuse implementation
	fuseConfig := &Config{
		MountPoint:  config.MountPoint,
		ReadOnly:    false,
		DefaultUID:  1000,
		DefaultGID:  1000,
		DefaultMode: 0644,
		CacheTTL:    60 * 1000000000, // 60 seconds in nanoseconds
	}

	filesystem := NewFileSystem(backend, statCache, fdCache, fuseConfig)
	return NewMountManager(filesystem, config)
}
