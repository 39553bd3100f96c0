/*
Package s3 implements the object-storage backend that the rest of ObjectFS
talks to: a thin, curated-header wrapper around aws-sdk-go-v2's S3 client.

# Scope

The backend exposes whole-object and ranged GET, single-PUT and multipart
PUT, metadata-only updates via self-copy, server-side COPY, DELETE, HEAD,
and prefix LIST. It does not implement cross-region replication. tiers.go
holds a static table of per-tier constraints and approximate prices, with
TierValidator and GetRecommendations over it; no request the backend
makes consults that table or applies a tiering policy.

	backend, err := s3.NewBackend(ctx, "my-bucket", cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer backend.Close()

	etag, err := backend.PutObject(ctx, "data/file.txt", bytes.NewReader(data), int64(len(data)), nil)
	data, err := backend.GetObject(ctx, "data/file.txt", 0, -1)
	info, err := backend.HeadObject(ctx, "data/file.txt")

# Transfer acceleration

When cfg.EnableCargoShipOptimization is set, whole-object PutObject calls
route through the CargoShip transporter (internal/storage/s3/client.go's
ClientManager) instead of the plain SDK client, falling back to the
standard path if the transporter returns an error on an as-yet-unconsumed
body.

# Multipart uploads

CreateMultipartUpload/UploadPart/UploadPartCopy/CompleteMultipartUpload/
AbortMultipartUpload back internal/multipart's scheduler, which decides
when a write crosses the part-size threshold and drives part upload
concurrency through internal/workerpool. Completed parts are described by
internal/multipart.CompletedPart, not a package-local type, so this
package actually satisfies multipart.Backend.

# Concurrent multi-key fetch

	keys := []string{"file1.txt", "file2.txt", "file3.txt"}
	results, err := backend.GetObjects(ctx, keys)

GetObjects fans a key list out across the backend's connection pool. It
exists for API symmetry with HeadObject's single-key form; nothing in
this tree currently calls it, since directory listing gets its metadata
from one ListObjects call and file reads go through fdcache's own
per-range fan-out.

# Error translation and retry

translateError maps AWS SDK error types onto the pkg/errors taxonomy
(NotFound, AccessDenied, ServerTransient, Throttled, ...) so that
pkg/recovery's retry and circuit-breaker logic, one layer up in
internal/adapter, can decide what's worth retrying without reaching back
into AWS-specific error types itself.

# Metrics

recordMetrics/recordError update BackendMetrics, exposed through
GetMetrics. Nothing in this tree copies them into
internal/metrics.Collector's Prometheus registry.
*/
package s3
