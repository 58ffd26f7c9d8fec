// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	AuditStore

	// Case operations
	SaveCase(ctx context.Context, rec *CaseRecord) error
	GetCase(ctx context.Context, caseID string) (*CaseRecord, error)
	UpdateCaseStatus(ctx context.Context, caseID string, status CaseStatus, reviewer, comment string) error
	ListCases(ctx context.Context, status CaseStatus, limit int) ([]*CaseRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
