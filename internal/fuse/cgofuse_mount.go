//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"time"

	"github.com/objectfs/objectfs/internal/fdcache"
	"github.com/objectfs/objectfs/internal/statcache"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(backend Backend, statCache *statcache.Cache, fdCache *fdcache.Cache, config *MountConfig) *CgoFuseMountManager {
	fuseConfig := &Config{
		MountPoint:  config.MountPoint,
		ReadOnly:    false,
		DefaultUID:  1000, // TODO: Make configurable
		DefaultGID:  1000, // TODO: Make configurable
		DefaultMode: 0644,
		CacheTTL:    5 * time.Minute,
	}

	filesystem := NewCgoFuseFS(backend, statCache, fdCache, fuseConfig)

	return &CgoFuseMountManager{
		filesystem: filesystem,
		config:     config,
	}
}

// Mount mounts the filesystem
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}
