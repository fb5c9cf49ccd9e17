package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. It fronts the usage
// ledger (two-tier: local LRU + Redis in Pro) and the per-card-type rule
// lists. The cache is never authoritative: reads populate it lazily from
// the store, writes go through it synchronously.
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// DeletePrefix removes every key with the given prefix. Used for
	// explicit invalidation when a rule or instrument is changed or
	// deleted.
	DeletePrefix(ctx context.Context, tenantID string, prefix string) error

	// GetUsage retrieves a cached usage bucket.
	GetUsage(ctx context.Context, tenantID string, key string) (*CachedUsage, error)

	// SetUsage caches a usage bucket (write-through after a ledger write).
	SetUsage(ctx context.Context, tenantID string, key string, usage *CachedUsage, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" yaml:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"redisPassword" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enableTwoPhase"` // If true, check local first, then Redis
}
