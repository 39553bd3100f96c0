/*
Package adapter wires together the storage backend, caches, worker pool,
resilience layer, and FUSE filesystem into a single mountable unit.

# Architecture role

	┌─────────────────────────────────────────────┐
	│                 Client apps                 │
	│            (ls, cp, cat, etc.)               │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Kernel VFS / FUSE                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Adapter (this package)          │
	└─────────────────────────────────────────────┘
	        │         │         │         │
	┌───────┴───┐ ┌───┴────┐ ┌──┴─────┐ ┌──┴────────┐
	│ S3 Backend│ │statcache│ │fdcache │ │ workerpool│
	└───────────┘ └─────────┘ └────────┘ └───────────┘

# Component wiring

Start builds components in dependency order: internal/metrics.Collector
and its HTTP endpoint, the S3 backend, a resilientBackend wrapping it in a
pkg/recovery.RecoveryManager (retry then circuit-break per
internal/circuit), the stat cache, the worker pool, the multipart
scheduler, the file-descriptor cache, internal/health.Checker and its
HTTP endpoint, and finally the FUSE mount. fdcache, the multipart scheduler, and the FUSE layer all talk
to the resilientBackend, never the raw S3 backend directly, so every S3
call any of them makes gets the retry/circuit-break treatment; the one
exception is the health checker's own S3 reachability probe, which calls
the raw backend so a tripped circuit breaker doesn't mask whether S3
itself has recovered.

Shutdown reverses the order: unmount, stop the health checker, close the
backend, stop the metrics server.

# Usage

	adapter, err := adapter.New(ctx, "s3://production-data", "/mnt/s3-data", cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := adapter.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer adapter.Stop(ctx)

# Storage URI support

	s3://bucket-name              // AWS S3 with default region
	s3://bucket-name/path/prefix  // S3 with a key prefix

# Error handling

Component failures during Start return immediately with context on which
stage failed; Stop is best-effort and keeps going past individual
component errors so the rest of shutdown still runs.
*/
package adapter
