package types

import (
	"context"
	"io"
	"time"
)

// Backend defines the interface for object storage backends. PutObject
// takes a reader and explicit size rather than a byte slice so the same
// method serves both the simple-PUT fast path and the multipart
// scheduler's per-part uploads directly off a staging file.
type Backend interface {
	// Object operations
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)
	PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (etag string, err error)
	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// Batch operations. GetObjects has no caller in this tree. There is
	// no batch PUT: the file-descriptor cache never has more than one
	// dirty file to flush at a time, and multipart upload fan-out happens
	// per-part through internal/workerpool.
	GetObjects(ctx context.Context, keys []string) (map[string][]byte, error)

	// List operations
	ListObjects(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)

	// Health check
	HealthCheck(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(key string, size int64)
	RecordCacheMiss(key string, size int64)
	RecordError(operation string, err error)
	GetMetrics() map[string]interface{}
}

// ConfigManager defines configuration management interface
type ConfigManager interface {
	Get(key string) interface{}
	GetString(key string) string
	GetInt(key string) int
	GetDuration(key string) time.Duration
	GetBool(key string) bool
	Watch(key string, callback func(interface{}))
	Reload() error
}

// HealthChecker defines health monitoring interface
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
	RegisterCheck(name string, check func(context.Context) error)
	GetStatus() map[string]HealthStatus
}
