/*
Package types defines the interfaces and shared data structures that the
rest of ObjectFS is written against, so that internal/storage/s3,
internal/metrics, internal/config, and internal/health can be swapped or
mocked without touching their callers.

# Interfaces

Backend:
Abstracts object storage operations (get/put/copy/delete/head/list,
multipart upload) that internal/storage/s3 implements and that
internal/fdcache, internal/multipart, and internal/fuse depend on through
their own narrower Backend interfaces (Go's structural typing means a
*s3.Backend satisfies all of them without an adapter type).

MetricsCollector:
The operation/cache/error recording contract internal/metrics.Collector
implements.

ConfigManager:
A key/value get, watch and reload contract. No type in this tree
implements it; internal/config loads its Configuration once.

HealthChecker:
A register/run-checks/status contract. internal/health.Checker does not
implement it: its RegisterCheck and GetStatus take and return different
types, and it has no Check method.

# Data structures

ObjectInfo carries the metadata describing a stored object (size,
timestamps, ETag, custom metadata) returned by HeadObject/ListObjects and
consumed by internal/fdcache and internal/fuse; internal/fuse turns it
into the internal/statcache entries that answer stat/getattr calls
without a round trip to S3.

# Usage

Implementing Backend against a different object store only requires
satisfying the interface's method set:

	type MyBackend struct{ client *myservice.Client }

	func (b *MyBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
		return b.client.GetRange(key, offset, size)
	}

	func (b *MyBackend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
		meta, err := b.client.GetMetadata(key)
		if err != nil {
			return nil, err
		}
		return &types.ObjectInfo{Key: key, Size: meta.Size, LastModified: meta.Modified, ETag: meta.ETag}, nil
	}

# Interface contracts

1. Every operation accepts context.Context for cancellation and timeouts.
2. Every operation returns an explicit error; no panics for expected
failure modes (not found, access denied, throttled).
3. Range operations take an explicit offset/size rather than always
transferring a whole object.
*/
package types
