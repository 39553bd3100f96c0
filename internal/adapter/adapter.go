package adapter

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/objectfs/objectfs/internal/circuit"
	"github.com/objectfs/objectfs/internal/config"
	"github.com/objectfs/objectfs/internal/fdcache"
	"github.com/objectfs/objectfs/internal/fuse"
	"github.com/objectfs/objectfs/internal/health"
	"github.com/objectfs/objectfs/internal/metrics"
	"github.com/objectfs/objectfs/internal/multipart"
	"github.com/objectfs/objectfs/internal/statcache"
	"github.com/objectfs/objectfs/internal/storage/s3"
	"github.com/objectfs/objectfs/internal/workerpool"
	"github.com/objectfs/objectfs/pkg/recovery"
	"github.com/objectfs/objectfs/pkg/retry"
)

// Adapter represents the main ObjectFS adapter
type Adapter struct {
	storageURI string
	mountPoint string
	config     *config.Configuration

	// Core components
	backend   *s3.Backend
	resilient *resilientBackend
	recovery  *recovery.RecoveryManager
	statCache *statcache.Cache
	fdCache   *fdcache.Cache
	pool      *workerpool.Pool
	scheduler *multipart.Scheduler
	mountMgr  fuse.PlatformFileSystem
	metrics   *metrics.Collector
	health    *health.Checker

	// Internal state
	started    bool
	bucketName string
	s3Config   *s3.Config
}

// New creates a new ObjectFS adapter instance
func New(ctx context.Context, storageURI, mountPoint string, cfg *config.Configuration) (*Adapter, error) {
	if err := validateStorageURI(storageURI); err != nil {
		return nil, fmt.Errorf("invalid storage URI: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	parsed, err := url.Parse(storageURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage URI: %w", err)
	}

	bucketName := strings.TrimPrefix(parsed.Host, "")
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	adapter := &Adapter{
		storageURI: storageURI,
		mountPoint: mountPoint,
		config:     cfg,
		bucketName: bucketName,
	}

	return adapter, nil
}

// Start initializes and starts the adapter
func (a *Adapter) Start(ctx context.Context) error {
	if a.started {
		return fmt.Errorf("adapter already started")
	}

	log.Printf("Starting ObjectFS adapter...")
	log.Printf("Storage URI: %s", a.storageURI)
	log.Printf("Mount Point: %s", a.mountPoint)
	log.Printf("Max Concurrency: %d", a.config.Performance.MaxConcurrency)

	// 1. Initialize metrics collector
	var err error
	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled: a.config.Monitoring.Metrics.Enabled,
		Port:    a.config.Global.MetricsPort,
		Labels:  a.config.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics collector: %w", err)
	}
	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 2. Initialize S3 backend
	a.s3Config = s3.NewDefaultConfig()
	a.s3Config.MultipartThreshold = parseSize(a.config.Multipart.SimplePutThreshold)
	a.s3Config.MultipartChunkSize = parseSize(a.config.Multipart.MaxPartSize)
	a.s3Config.MultipartConcurrency = a.config.Multipart.MaxConcurrentParts

	a.backend, err = s3.NewBackend(ctx, a.bucketName, a.s3Config)
	if err != nil {
		return fmt.Errorf("failed to initialize S3 backend: %w", err)
	}

	// 2b. Wrap the backend in a recovery manager: every call to S3 is
	// retried with backoff, then escalated to a circuit breaker that
	// short-circuits once the network component keeps failing, so a
	// dead bucket fails fast instead of hanging every FUSE op behind it.
	netCfg := a.config.Network
	recoveryCfg := recovery.DefaultRecoveryConfig()
	recoveryCfg.RetryConfig = retry.Config{
		MaxAttempts:  netCfg.Retry.MaxAttempts,
		InitialDelay: netCfg.Retry.BaseDelay,
		MaxDelay:     netCfg.Retry.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}
	failureThreshold := netCfg.CircuitBreaker.FailureThreshold
	recoveryCfg.CircuitBreakerConfig = circuit.Config{
		MaxRequests: 1,
		Interval:    0,
		Timeout:     netCfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return int(counts.ConsecutiveFailures) >= failureThreshold
		},
	}
	a.recovery = recovery.NewRecoveryManager(recoveryCfg)
	a.resilient = newResilientBackend(a.backend, a.recovery)

	// 3. Initialize the metadata stat cache
	a.statCache = statcache.New(&statcache.Config{
		CacheSize:       int64(a.config.StatCache.MaxEntries),
		ExpireMode:      statcache.ExpireMode(a.config.StatCache.ExpireMode),
		Expire:          a.config.StatCache.TTL,
		NegativeCaching: a.config.StatCache.NegativeCaching,
	})

	// 4. Initialize the worker pool and multipart upload scheduler
	a.pool = workerpool.New(a.config.Staging.ParallelFillers)
	a.scheduler = multipart.NewScheduler(
		a.resilient,
		a.pool,
		parseSize(a.config.Multipart.SimplePutThreshold),
		parseSize(a.config.Multipart.MinPartSize),
		parseSize(a.config.Multipart.MaxPartSize),
	)

	// 5. Initialize the file-descriptor cache (staging files + page map)
	a.fdCache, err = fdcache.New(a.resilient, a.statCache, a.pool, a.scheduler, &fdcache.Config{
		StagingDir:      a.config.Staging.Directory,
		PageSize:        pageSize(a.config.Page.PageSize),
		ParallelFillers: a.config.Staging.ParallelFillers,
		ReadAheadPages:  a.config.Page.ReadAheadPages,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize file descriptor cache: %w", err)
	}

	// 5b. Initialize the health checker: S3 reachability (bypassing the
	// circuit breaker, since a probe needs to observe real connectivity
	// rather than the breaker's current decision) and staging-directory
	// writability, consulted by the circuit breaker's own state via the
	// recovery manager's degraded-component tracking.
	a.health, err = health.NewChecker(&health.Config{
		Enabled:       a.config.Monitoring.HealthChecks.Enabled,
		CheckInterval: a.config.Monitoring.HealthChecks.Interval,
		Timeout:       a.config.Monitoring.HealthChecks.Timeout,
		HTTPEnabled:   true,
		HTTPPort:      a.config.Global.HealthPort,
		HTTPPath:      "/health",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize health checker: %w", err)
	}
	if err := a.health.RegisterCheck("s3", "S3 bucket reachability", health.CategoryStorage, health.PriorityCritical,
		func(ctx context.Context) error {
			return a.backend.HealthCheck(ctx)
		}); err != nil {
		return fmt.Errorf("failed to register S3 health check: %w", err)
	}
	if err := a.health.RegisterCheck("circuit_breaker", "S3 circuit breaker state", health.CategoryNetwork, health.PriorityHigh,
		func(ctx context.Context) error {
			for component, state := range a.recovery.GetDegradedComponents() {
				return fmt.Errorf("component %s degraded: %s", component, state.Reason)
			}
			return nil
		}); err != nil {
		return fmt.Errorf("failed to register circuit breaker health check: %w", err)
	}
	if err := a.health.RegisterCheck("staging", "staging directory writability", health.CategoryStorage, health.PriorityHigh,
		func(ctx context.Context) error {
			return checkStagingWritable(a.config.Staging.Directory)
		}); err != nil {
		return fmt.Errorf("failed to register staging health check: %w", err)
	}
	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health checker: %w", err)
	}

	// 6. Initialize platform-specific FUSE filesystem
	mountConfig := &fuse.MountConfig{
		MountPoint: a.mountPoint,
		Options: &fuse.MountOptions{
			FSName:   "objectfs",
			Subtype:  "s3",
			MaxRead:  128 * 1024,
			MaxWrite: 128 * 1024,
			Debug:    false,
		},
	}

	a.mountMgr = fuse.CreatePlatformMountManager(a.resilient, a.statCache, a.fdCache, mountConfig)

	// 7. Mount filesystem
	if err := a.mountMgr.Mount(ctx); err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	a.started = true
	log.Printf("ObjectFS adapter started successfully")
	return nil
}

// Stop gracefully stops the adapter
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.started {
		return fmt.Errorf("adapter not started")
	}

	log.Printf("Stopping ObjectFS adapter...")

	var lastErr error

	// 1. Unmount filesystem
	if a.mountMgr != nil && a.mountMgr.IsMounted() {
		if err := a.mountMgr.Unmount(); err != nil {
			log.Printf("Error unmounting filesystem: %v", err)
			lastErr = err
		}
	}

	// 2. Stop the health checker
	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			log.Printf("Error stopping health checker: %v", err)
			lastErr = err
		}
	}

	// 3. Close backend connections
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			log.Printf("Error closing backend: %v", err)
			lastErr = err
		}
	}

	// 4. Stop the metrics server
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			log.Printf("Error stopping metrics server: %v", err)
			lastErr = err
		}
	}

	a.started = false
	log.Printf("ObjectFS adapter stopped successfully")
	return lastErr
}

// validateStorageURI validates the storage URI format
func validateStorageURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return fmt.Errorf("S3 URI must include bucket name")
		}
	default:
		return fmt.Errorf("unsupported storage scheme: %s (only s3:// supported)", parsed.Scheme)
	}

	return nil
}

// parseSize parses a human-readable size string (e.g., "2GB", "512MB") to bytes
func parseSize(sizeStr string) int64 {
	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(sizeStr, "GB") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(sizeStr, "GB")
	} else if strings.HasSuffix(sizeStr, "MB") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(sizeStr, "MB")
	} else if strings.HasSuffix(sizeStr, "KB") {
		multiplier = 1024
		numStr = strings.TrimSuffix(sizeStr, "KB")
	} else if strings.HasSuffix(sizeStr, "B") {
		multiplier = 1
		numStr = strings.TrimSuffix(sizeStr, "B")
	} else {
		numStr = sizeStr
	}

	var num int64 = 1024 * 1024 * 1024 // Default 1GB
	if numStr != "" {
		if parsed, err := fmt.Sscanf(numStr, "%d", &num); err != nil || parsed != 1 {
			return 1024 * 1024 * 1024 // Default 1GB on error
		}
	}

	return num * multiplier
}

// minPageSize is S3's minimum multipart part size; pages smaller than
// this would make every upload-kind part in a multipart plan reject at
// CompleteMultipartUpload time, so page size never goes below it.
const minPageSize = 5 * 1024 * 1024

// pageSize parses the configured page size and clamps it to minPageSize.
func pageSize(sizeStr string) int64 {
	size := parseSize(sizeStr)
	if size < minPageSize {
		return minPageSize
	}
	return size
}

// checkStagingWritable verifies the staging directory accepts writes by
// creating and removing a probe file in it.
func checkStagingWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("staging directory %s is not writable: %w", dir, err)
	}
	probe := filepath.Join(dir, ".objectfs-health-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("staging directory %s is not writable: %w", dir, err)
	}
	return os.Remove(probe)
}
