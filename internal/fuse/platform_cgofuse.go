//go:build cgofuse
// +build cgofuse

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

// CreatePlatformMountManager creates the cgofuse mount manager
func CreatePlatformMountManager(backend Backend, statCache *statcache.Cache, fdCache *fdcache.Cache, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(backend, statCache, fdCache, config)
}
