// Package domain defines the core interfaces and types for Talon.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for rule and usage-ledger persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rule catalog operations (outside the hot path except the list).
	SaveRule(ctx context.Context, tenantID string, rule *RewardRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*RewardRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*RewardRule, error)
	ListRulesForCardType(ctx context.Context, tenantID string, cardTypeID string) ([]*RewardRule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error

	// Usage ledger operations. AddUsageDelta applies the delta server-side
	// (used = max(0, used + delta)) and returns the new cumulative value,
	// so concurrent writers cannot lose updates.
	AddUsageDelta(ctx context.Context, tenantID string, key UsageKey, delta float64) (float64, error)
	GetUsage(ctx context.Context, tenantID string, key UsageKey) (float64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
