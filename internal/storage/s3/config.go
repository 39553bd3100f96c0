package s3

import (
	"time"
)

// Config is the single source of truth for S3 backend configuration. It
// keeps the StorageTier and TierConstraints fields, which no request path
// reads (ObjectInfo has no storage-class or tier field, and HeadObject does
// not read the storage class), and drops the pricing/billing-simulation payload a
// cost-estimation layer would need (volume discounts, a pricing API
// client) — nothing in this module computes a dollar figure, so that
// stack never gets wired to anything (see DESIGN.md).
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// Advanced settings
	UseAccelerate bool `yaml:"use_accelerate"`
	UseDualStack  bool `yaml:"use_dual_stack"`
	DisableSSL    bool `yaml:"disable_ssl"`

	// CargoShip optimization settings. CargoShip only ever drives the
	// simple-PUT fast path (GetObject always uses the plain client pool);
	// multipart parts always go
	// through the plain client pool so upload-part and copy-part calls
	// land on exact byte ranges (see internal/multipart).
	EnableCargoShipOptimization bool    `yaml:"enable_cargoship_optimization"`
	TargetThroughput            float64 `yaml:"target_throughput"`  // MB/s
	OptimizationLevel           string  `yaml:"optimization_level"` // "standard", "aggressive"
	MultipartThreshold          int64   `yaml:"multipart_threshold"`
	MultipartChunkSize          int64   `yaml:"multipart_chunk_size"`
	MultipartConcurrency        int     `yaml:"multipart_concurrency"`

	// S3 Storage Tier Configuration
	StorageTier     string          `yaml:"storage_tier"` // "STANDARD", "STANDARD_IA", "ONEZONE_IA", etc.
	TierConstraints TierConstraints `yaml:"tier_constraints"`
}

// TierConstraints defines tier-specific constraints and limitations.
type TierConstraints struct {
	MinObjectSize      int64         `yaml:"min_object_size"`
	DeletionEmbargo    time.Duration `yaml:"deletion_embargo"`
	RetrievalLatency   string        `yaml:"retrieval_latency"` // "instant", "minutes", "hours"
	RetrievalCost      bool          `yaml:"retrieval_cost"`
	MinimumStorageDays int           `yaml:"minimum_storage_days"`
	TransitionDelay    time.Duration `yaml:"transition_delay"`
}

// NewDefaultConfig returns a configuration with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		MaxRetries:                  3,
		ConnectTimeout:              10 * time.Second,
		RequestTimeout:              30 * time.Second,
		PoolSize:                    8,
		EnableCargoShipOptimization: true,
		TargetThroughput:            800.0, // 800 MB/s target for ObjectFS
		OptimizationLevel:           "standard",
		MultipartThreshold:          32 * 1024 * 1024,
		MultipartChunkSize:          16 * 1024 * 1024,
		MultipartConcurrency:        8,
		StorageTier:                 TierStandard,
		TierConstraints:             TierConstraints{},
	}
}
